package bolt_test

import (
	"errors"
	"io/ioutil"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/svcreg/svcreg/bolt"
	"github.com/svcreg/svcreg/raft"
)

func NewTestStore() (*bolt.Store, func(), error) {
	f, err := ioutil.TempFile("", "svcreg-bolt-")
	if err != nil {
		return nil, nil, errors.New("unable to open temporary boltdb file")
	}
	f.Close()

	s := bolt.NewStore(f.Name())
	if err := s.Open(); err != nil {
		return nil, nil, err
	}

	close := func() {
		s.Close()
		os.Remove(s.Path)
	}

	return s, close, nil
}

func TestStore_LoadEmpty(t *testing.T) {
	s, done, err := NewTestStore()
	require.NoError(t, err)
	defer done()

	state, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(0), state.Term)
	require.Equal(t, "", state.VotedFor)
	require.Empty(t, state.Entries)
}

func TestStore_SaveState(t *testing.T) {
	s, done, err := NewTestStore()
	require.NoError(t, err)
	defer done()

	require.NoError(t, s.SaveState(3, "node-b"))

	state, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(3), state.Term)
	require.Equal(t, "node-b", state.VotedFor)
}

func TestStore_AppendEntries(t *testing.T) {
	s, done, err := NewTestStore()
	require.NoError(t, err)
	defer done()

	entries := []raft.LogEntry{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 2, Data: []byte("c")},
	}
	require.NoError(t, s.AppendEntries(entries...))

	state, err := s.Load()
	require.NoError(t, err)
	if diff := cmp.Diff(entries, state.Entries); diff != "" {
		t.Fatalf("unexpected entries (-want +got):\n%s", diff)
	}
}

func TestStore_TruncateEntries(t *testing.T) {
	s, done, err := NewTestStore()
	require.NoError(t, err)
	defer done()

	require.NoError(t, s.AppendEntries(
		raft.LogEntry{Index: 1, Term: 1, Data: []byte("a")},
		raft.LogEntry{Index: 2, Term: 1, Data: []byte("b")},
		raft.LogEntry{Index: 3, Term: 2, Data: []byte("c")},
	))

	require.NoError(t, s.TruncateEntries(2))

	state, err := s.Load()
	require.NoError(t, err)
	require.Len(t, state.Entries, 1)
	require.Equal(t, uint64(1), state.Entries[0].Index)
}

// Reopening the same file must restore term, vote and log.
func TestStore_Reopen(t *testing.T) {
	f, err := ioutil.TempFile("", "svcreg-bolt-")
	require.NoError(t, err)
	f.Close()
	defer os.Remove(f.Name())

	s := bolt.NewStore(f.Name())
	require.NoError(t, s.Open())
	require.NoError(t, s.SaveState(7, "node-c"))
	require.NoError(t, s.AppendEntries(raft.LogEntry{Index: 1, Term: 7, Data: []byte("x")}))
	require.NoError(t, s.Close())

	s = bolt.NewStore(f.Name())
	require.NoError(t, s.Open())
	defer s.Close()

	state, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(7), state.Term)
	require.Equal(t, "node-c", state.VotedFor)
	require.Len(t, state.Entries, 1)
	require.Equal(t, []byte("x"), state.Entries[0].Data)
}
