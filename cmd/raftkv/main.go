package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftcore/kv"
	raftcore "github.com/thinkermao/raftcore/raft"
	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/raft/storage"
	"github.com/thinkermao/raftcore/transport"
)

func main() {
	var (
		configPath = flag.String("config", "raftkv.yaml", "path to the yaml configuration")
		join       = flag.Bool("join", false, "start as a joiner instead of a founding member")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	config, err := kv.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("raftkv: %v", err)
	}

	store, ps, err := openStorage(config, *join)
	if err != nil {
		log.Fatalf("raftkv: open storage: %v", err)
	}

	pool := transport.NewPool[kv.State, kv.Command](
		config.MemberID(), config.PeerAddrs())

	member, err := raftcore.New[kv.State, kv.Command](
		config.MemberID(), kv.Machine{}, ps, store, pool,
		raftcore.WallClock{}, raftcore.DefaultOptions())
	if err != nil {
		log.Fatalf("raftkv: %v", err)
	}

	peerServer, err := transport.Serve[kv.State, kv.Command](
		config.Node.RaftAddr, member)
	if err != nil {
		log.Fatalf("raftkv: listen %s: %v", config.Node.RaftAddr, err)
	}

	mux := http.NewServeMux()
	kv.NewServer(config, member, pool).RegisterHandlers(mux)
	httpServer := &http.Server{Addr: config.Node.HTTPAddr, Handler: mux}

	go func() {
		log.Infof("raftkv: %s serving http on %s, raft on %s",
			config.Node.ID, config.Node.HTTPAddr, peerServer.Addr())
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("raftkv: http server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Infof("raftkv: %s shutting down", config.Node.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)

	member.Stop()
	peerServer.Close()
	pool.Close()
}

// openStorage replay the write-ahead log, or create an empty one. When
// the log holds no image yet, the starting image of a founder or joiner
// is returned instead.
func openStorage(config *kv.Config, join bool) (
	*storage.Wal[kv.State, kv.Command],
	raftpd.PersistentState[kv.State, kv.Command],
	error,
) {
	dir := config.Node.WalDir
	if _, err := os.Stat(dir); err == nil {
		store, ps, ok, err := storage.Open[kv.State, kv.Command](dir)
		if err != nil {
			return nil, ps, err
		}
		if ok {
			log.Infof("raftkv: %s recovered state at term %d",
				config.Node.ID, ps.CurrentTerm)
			return store, ps, nil
		}
		return store, freshImage(config, join), nil
	}

	store, err := storage.Create[kv.State, kv.Command](dir)
	if err != nil {
		return nil, raftpd.PersistentState[kv.State, kv.Command]{}, err
	}
	return store, freshImage(config, join), nil
}

func freshImage(config *kv.Config, join bool) raftpd.PersistentState[kv.State, kv.Command] {
	if join {
		log.Infof("raftkv: %s starting as joiner", config.Node.ID)
		return raftpd.MakeJoin[kv.State, kv.Command]()
	}
	log.Infof("raftkv: %s starting as founder of %v",
		config.Node.ID, config.Founders())
	return raftpd.MakeInitial[kv.State, kv.Command](
		kv.MakeState(), conf.MakeConfig(config.Founders()...))
}
