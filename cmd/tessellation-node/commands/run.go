package commands

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ductridev/tessellation/consensus"
	consensushttptransport "github.com/ductridev/tessellation/consensus/httptransport"
	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/gcrypto/gblsminsig"
	"github.com/ductridev/tessellation/gossip"
	gossiphttptransport "github.com/ductridev/tessellation/gossip/httptransport"
	"github.com/ductridev/tessellation/peer"
	"github.com/ductridev/tessellation/rumor"
)

// runOptions holds the flags newRunCommand exposes, gathered into one
// struct so runNode has a single argument rather than a long positional
// list.
type runOptions struct {
	listenAddr      string
	keyHex          string
	scheme          string
	peerFlags       []string
	joinFlag        string
	fanout          int
	gossipInterval  time.Duration
	activeRetention time.Duration
	seenRetention   time.Duration
	timeTrigger     time.Duration
	genesisEpoch    uint64
}

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gossip daemon and consensus manager",
		Long: "Run wires a rumor.Storage and gossip.Daemon to a consensus.Manager over the\n" +
			"reference HTTP transports (spec.md §6) and blocks until interrupted. The\n" +
			"consensus RPC endpoint listens one port above --listen.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), opts)
		},
	}

	def := gossip.DefaultConfig()
	cmd.Flags().StringVar(&opts.listenAddr, "listen", "127.0.0.1:7946", "gossip listen address")
	cmd.Flags().StringVar(&opts.keyHex, "key", "", "hex-encoded signing key seed (a random key is generated and printed if empty)")
	cmd.Flags().StringVar(&opts.scheme, "scheme", string(schemeEd25519), `signature scheme for this node and every --peer/--join key: "ed25519" or "bls-minsig"`)
	cmd.Flags().StringArrayVar(&opts.peerFlags, "peer", nil, `peer spec "<pubkey-hex>@<gossip-host:port>" decoded per --scheme, repeatable`)
	cmd.Flags().StringVar(&opts.joinFlag, "join", "", `join an existing cluster through this peer instead of facilitating from genesis, same "<pubkey-hex>@<addr>" shape as --peer`)
	cmd.Flags().IntVar(&opts.fanout, "fanout", def.Fanout, "gossip peers contacted per interval")
	cmd.Flags().DurationVar(&opts.gossipInterval, "gossip-interval", def.Interval, "gossip spreader interval")
	cmd.Flags().DurationVar(&opts.activeRetention, "active-retention", rumor.DefaultActiveRetention, "active rumor retention")
	cmd.Flags().DurationVar(&opts.seenRetention, "seen-retention", rumor.DefaultSeenRetention, "seen rumor retention")
	cmd.Flags().DurationVar(&opts.timeTrigger, "time-trigger", 10*time.Second, "consensus time trigger interval")
	cmd.Flags().Uint64Var(&opts.genesisEpoch, "genesis-epoch", 0, "last finalized epoch this node bootstraps from, with an empty genesis artifact")

	return cmd
}

func runNode(ctx context.Context, opts runOptions) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	scheme := signatureScheme(opts.scheme)
	signer, err := loadOrGenerateSigner(log, scheme, opts.keyHex)
	if err != nil {
		return err
	}
	selfPub := signer.PubKey()
	self := peer.IDFromPubKey(selfPub)
	log = log.With("self", self)

	peers, err := parsePeerSpecs(scheme, opts.peerFlags)
	if err != nil {
		return err
	}

	keys := newStaticKeyLookup(self, selfPub, peers)
	cluster := newStaticCluster(peers)
	ipIndex := newRemoteIPIndex(peers)

	rumorStorage := rumor.NewStorage(opts.activeRetention, opts.seenRetention)
	defer rumorStorage.Close()

	gossipListener, err := net.Listen("tcp", opts.listenAddr)
	if err != nil {
		return fmt.Errorf("tessellation-node: listen on %s: %w", opts.listenAddr, err)
	}

	consensusAddr, err := offsetPort(opts.listenAddr, 1)
	if err != nil {
		return err
	}
	consensusListener, err := net.Listen("tcp", consensusAddr)
	if err != nil {
		return fmt.Errorf("tessellation-node: listen on %s: %w", consensusAddr, err)
	}

	gossipClient := gossiphttptransport.NewClient(2 * time.Second)
	consensusClient := consensushttptransport.NewClient[epoch](epochCodec{}, 2*time.Second)
	for _, p := range peers {
		gossipClient.SetPeer(p.ID, "http://"+p.Address)

		peerConsensusAddr, err := offsetPort(p.Address, 1)
		if err != nil {
			return err
		}
		consensusClient.SetPeer(p.ID, "http://"+peerConsensusAddr)
	}

	gossipCfg := gossip.Config{
		Interval:              opts.gossipInterval,
		Fanout:                opts.fanout,
		MaxConcurrentHandlers: gossip.DefaultConfig().MaxConcurrentHandlers,
	}

	// mgr is assigned below, after daemon; handler closes over the
	// variable (not its value at closure-creation time) so the forward
	// reference resolves by the time the daemon actually dispatches a
	// rumor, which cannot happen before Run starts both.
	var mgr *consensus.Manager[epoch, batchArtifact]
	handler := func(ctx context.Context, e rumor.Entry, st *rumor.Storage) bool {
		return mgr.Handler()(ctx, e, st)
	}

	daemon := gossip.New(log, self, gossipCfg, rumorStorage, gossipClient, keys, gossip.Whitelist{}, handler)

	storage := consensus.NewStorage[epoch, batchArtifact]()
	mgrCfg := consensus.DefaultManagerConfig()
	mgrCfg.TimeTriggerInterval = opts.timeTrigger

	mgr = consensus.NewManager[epoch, batchArtifact](
		log, self, signer, storage, ledgerFunctions{log: log}, epochCodec{},
		cluster, consensusClient, daemon, slogMetrics{log: log}, mgrCfg,
	)

	if opts.joinFlag != "" {
		joinPeers, err := parsePeerSpecs(scheme, []string{opts.joinFlag})
		if err != nil {
			return fmt.Errorf("tessellation-node: --join: %w", err)
		}
		sourcePeer := joinPeers[0].ID
		joinConsensusAddr, err := offsetPort(joinPeers[0].Address, 1)
		if err != nil {
			return fmt.Errorf("tessellation-node: --join: %w", err)
		}
		consensusClient.SetPeer(sourcePeer, "http://"+joinConsensusAddr)
		gossipClient.SetPeer(sourcePeer, "http://"+joinPeers[0].Address)

		if err := mgr.StartObservingAfter(ctx, epoch(opts.genesisEpoch), sourcePeer); err != nil {
			return fmt.Errorf("tessellation-node: start observing: %w", err)
		}
	} else {
		mgr.StartFacilitatingAfter(epoch(opts.genesisEpoch), gcrypto.Signed[batchArtifact]{})
	}

	for _, p := range peers {
		mgr.EnqueuePeerForRegistration(p.ID)
	}

	gossiphttptransport.NewServer(ctx, log, gossiphttptransport.ServerConfig{
		Listener:        gossipListener,
		Receiver:        daemon,
		PeerFromRequest: ipIndex.PeerFromRequest,
	})

	consensushttptransport.NewServer[epoch](ctx, log, consensushttptransport.ServerConfig[epoch]{
		Listener:        consensusListener,
		Receiver:        mgr,
		Codec:           epochCodec{},
		PeerFromRequest: ipIndex.PeerFromRequest,
	})

	go mgr.Run(ctx)

	log.Info("tessellation-node running", "gossip", opts.listenAddr, "consensus", consensusAddr, "peers", len(peers))

	daemon.Run(ctx)
	return nil
}

// loadOrGenerateSigner builds a signer of the given scheme from a
// hex-encoded seed, or generates and logs a fresh one if keyHex is empty.
// Real key custody (a keystore, an HSM, an external signer) is an
// external collaborator (spec.md §1); this in-memory path is for local
// runs and demos.
func loadOrGenerateSigner(log *slog.Logger, scheme signatureScheme, keyHex string) (consensus.Signer, error) {
	if keyHex == "" {
		seed, signer, id, err := generateKeyForScheme(scheme)
		if err != nil {
			return nil, fmt.Errorf("tessellation-node: generate key: %w", err)
		}
		log.Info("Generated ephemeral key", "scheme", scheme, "seed", hex.EncodeToString(seed), "peer-id", id)
		return signer, nil
	}

	seed, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("tessellation-node: invalid --key: %w", err)
	}

	switch scheme {
	case schemeBLS:
		signer, err := gblsminsig.NewSigner(seed)
		if err != nil {
			return nil, fmt.Errorf("tessellation-node: --key: %w", err)
		}
		return signer, nil
	case schemeEd25519, "":
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("tessellation-node: --key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		return gcrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed)), nil
	default:
		return nil, fmt.Errorf("tessellation-node: unknown --scheme %q", scheme)
	}
}

// generateKey returns a fresh ed25519 seed and the peer.ID it derives,
// used by generateKeyForScheme for the ed25519 scheme.
func generateKey() ([]byte, peer.ID, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, peer.ID{}, err
	}
	pub := gcrypto.Ed25519PubKey(priv.Public().(ed25519.PublicKey))
	return priv.Seed(), peer.IDFromPubKey(pub), nil
}

// generateKeyForScheme returns a fresh seed, the signer it builds, and the
// peer.ID that signer's public key derives, for whichever scheme run
// selects via --scheme.
func generateKeyForScheme(scheme signatureScheme) ([]byte, consensus.Signer, peer.ID, error) {
	switch scheme {
	case schemeBLS:
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, nil, peer.ID{}, err
		}
		signer, err := gblsminsig.NewSigner(seed)
		if err != nil {
			return nil, nil, peer.ID{}, err
		}
		return seed, signer, peer.IDFromPubKey(signer.PubKey()), nil
	case schemeEd25519, "":
		seed, id, err := generateKey()
		if err != nil {
			return nil, nil, peer.ID{}, err
		}
		return seed, gcrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed)), id, nil
	default:
		return nil, nil, peer.ID{}, fmt.Errorf("unknown signature scheme %q", scheme)
	}
}

// offsetPort returns addr with its port shifted by delta, used to derive
// the consensus RPC address from a peer's configured gossip address
// (spec.md §6 treats the two endpoints as separate services; this binary
// colocates them one port apart for a single-flag peer spec).
func offsetPort(addr string, delta int) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("tessellation-node: invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("tessellation-node: invalid port in %q: %w", addr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+delta)), nil
}
