package main

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/svcreg/svcreg/bolt"
	svclogger "github.com/svcreg/svcreg/logger"
	"github.com/svcreg/svcreg/raft"
	"github.com/svcreg/svcreg/registry"
)

func main() {
	Execute()
}

var (
	nodeID            string
	peerList          string
	raftBindAddress   string
	httpBindAddress   string
	boltPath          string
	electionTimeout   time.Duration
	heartbeatInterval time.Duration
)

func svcregDir() (string, error) {
	var dir string
	// By default, store the bolt file in the current user's home directory.
	u, err := user.Current()
	if err == nil {
		dir = u.HomeDir
	} else if home := os.Getenv("HOME"); home != "" {
		dir = home
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	dir = filepath.Join(dir, ".svcreg")

	return dir, nil
}

func init() {
	dir, err := svcregDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to determine svcreg directory: %v", err)
		os.Exit(1)
	}

	viper.SetEnvPrefix("SVCREG")

	svcregCmd.Flags().StringVar(&nodeID, "node-id", "", "unique identifier of this node within the cluster")
	viper.BindEnv("NODE_ID")
	if h := viper.GetString("NODE_ID"); h != "" {
		nodeID = h
	}

	svcregCmd.Flags().StringVar(&peerList, "peers", "", "comma separated id=url pairs for every other node, e.g. b=http://10.0.0.2:7421,c=http://10.0.0.3:7421")
	viper.BindEnv("PEERS")
	if h := viper.GetString("PEERS"); h != "" {
		peerList = h
	}

	svcregCmd.Flags().StringVar(&raftBindAddress, "raft-bind-address", ":7421", "bind address for raft rpcs")
	viper.BindEnv("RAFT_BIND_ADDRESS")
	if h := viper.GetString("RAFT_BIND_ADDRESS"); h != "" {
		raftBindAddress = h
	}

	svcregCmd.Flags().StringVar(&httpBindAddress, "http-bind-address", ":8421", "bind address for the rest http api")
	viper.BindEnv("HTTP_BIND_ADDRESS")
	if h := viper.GetString("HTTP_BIND_ADDRESS"); h != "" {
		httpBindAddress = h
	}

	svcregCmd.Flags().StringVar(&boltPath, "bolt-path", filepath.Join(dir, "svcregd.bolt"), "path to boltdb database")
	viper.BindEnv("BOLT_PATH")
	if h := viper.GetString("BOLT_PATH"); h != "" {
		boltPath = h
	}

	svcregCmd.Flags().DurationVar(&electionTimeout, "election-timeout", raft.DefaultElectionTimeout, "base follower election timeout")
	viper.BindEnv("ELECTION_TIMEOUT")
	if h := viper.GetDuration("ELECTION_TIMEOUT"); h > 0 {
		electionTimeout = h
	}

	svcregCmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", raft.DefaultHeartbeatInterval, "leader heartbeat interval")
	viper.BindEnv("HEARTBEAT_INTERVAL")
	if h := viper.GetDuration("HEARTBEAT_INTERVAL"); h > 0 {
		heartbeatInterval = h
	}
}

var svcregCmd = &cobra.Command{
	Use:   "svcregd",
	Short: "replicated service registry node",
	Run:   svcregF,
}

// parsePeers splits a comma separated list of id=url pairs.
func parsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)
	if s == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(s, ",") {
		id, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid peer %q, expected id=url", pair)
		}
		peers[id] = url
	}
	return peers, nil
}

func svcregF(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	logger := svclogger.New(os.Stdout, zapcore.InfoLevel)

	peers, err := parsePeers(peerList)
	if err != nil {
		logger.Error("failed parsing peers", zap.Error(err))
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(boltPath), 0700); err != nil {
		logger.Error("failed creating bolt directory", zap.Error(err))
		os.Exit(1)
	}

	store := bolt.NewStore(boltPath)
	store.WithLogger(logger)
	if err := store.Open(); err != nil {
		logger.Error("failed opening bolt", zap.Error(err))
		os.Exit(1)
	}

	config := raft.NewConfig(nodeID, peerIDs(peers))
	config.ElectionTimeout = electionTimeout
	config.HeartbeatInterval = heartbeatInterval

	transport := raft.NewHTTPTransport()
	for id, url := range peers {
		transport.SetURL(id, url)
	}

	node := raft.NewNode(config, store)
	node.Transport = transport
	node.WithLogger(logger)

	reg := registry.New(node)

	if err := node.Open(); err != nil {
		logger.Error("failed opening raft node", zap.Error(err))
		os.Exit(1)
	}
	defer node.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(node.PrometheusCollectors()...)

	raftHandler := raft.NewHandler(node)
	raftHandler.WithLogger(logger)

	apiServer := registry.NewHTTPServer(reg)
	apiServer.WithLogger(logger)

	errc := make(chan error)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)

	raftServer := &nethttp.Server{
		Addr:    raftBindAddress,
		Handler: raftHandler,
	}
	go func() {
		logger.Info("Listening", zap.String("transport", "raft"), zap.String("addr", raftBindAddress))
		errc <- raftServer.ListenAndServe()
	}()

	httpServer := &nethttp.Server{
		Addr: httpBindAddress,
	}
	go func() {
		r := chi.NewRouter()
		r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		r.Mount("/", apiServer)

		httpServer.Handler = r
		logger.Info("Listening", zap.String("transport", "http"), zap.String("addr", httpBindAddress))
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case <-sigs:
	case err := <-errc:
		logger.Fatal("unable to start node", zap.Error(err))
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	httpServer.Shutdown(cctx)
	raftServer.Shutdown(cctx)

	if err := store.Close(); err != nil {
		logger.Error("failed closing bolt", zap.Error(err))
	}
}

func peerIDs(peers map[string]string) []string {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	return ids
}

// Execute executes the svcregd command.
func Execute() {
	if err := svcregCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
