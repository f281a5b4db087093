// demo.go - In-Prozess-Demonstration eines vollstaendigen Cache-Handoffs
// Hauptfunktionen: newDemoCmd, runDemo, fillSequence, verifySequence
//
// Beide Prozessgruppen laufen im selben Prozess: die Context-Gruppe fuellt
// ihre Bloecke mit einem deterministischen Muster, die Generation-Gruppe
// zieht die Daten ueber den gewaehlten Transport und prueft jede Zelle.
package cmd

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kvbridge/kvbridge/cachestore"
	"github.com/kvbridge/kvbridge/envconfig"
	"github.com/kvbridge/kvbridge/kvstate"
	"github.com/kvbridge/kvbridge/transfer"
	"github.com/kvbridge/kvbridge/transport"
)

type demoOptions struct {
	backend string

	ctxTP, ctxPP int
	genTP, genPP int

	layers, heads, headSize, tokensPerBlock int
	dtype                                   string
	mla                                     bool

	tokens   int
	requests int
}

func newDemoCmd() *cobra.Command {
	var opts demoOptions

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Transfer a synthetic KV cache between two in-process groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.backend, "transport", envconfig.Backend(), "Transport backend (inproc, agent), defaults to KVBRIDGE_BACKEND")
	f.IntVar(&opts.ctxTP, "ctx-tp", 2, "Tensor parallelism of the context group")
	f.IntVar(&opts.ctxPP, "ctx-pp", 1, "Pipeline parallelism of the context group")
	f.IntVar(&opts.genTP, "gen-tp", 1, "Tensor parallelism of the generation group")
	f.IntVar(&opts.genPP, "gen-pp", 2, "Pipeline parallelism of the generation group")
	f.IntVar(&opts.layers, "layers", 8, "Model layer count")
	f.IntVar(&opts.heads, "heads", 4, "KV heads across one tensor group")
	f.IntVar(&opts.headSize, "head-size", 16, "Elements per head")
	f.IntVar(&opts.tokensPerBlock, "tokens-per-block", 8, "Tokens per cache block")
	f.StringVar(&opts.dtype, "dtype", "f16", "Cache element type (f64, f32, f16, bf16, i32, i16, i8, u8)")
	f.BoolVar(&opts.mla, "mla", false, "Use the low-rank attention layout")
	f.IntVar(&opts.tokens, "tokens", 40, "Tokens per sequence")
	f.IntVar(&opts.requests, "requests", 4, "Number of sequences to hand off")

	return cmd
}

var demoDTypes = map[string]kvstate.DType{
	"f64":  kvstate.DTypeF64,
	"f32":  kvstate.DTypeF32,
	"f16":  kvstate.DTypeF16,
	"bf16": kvstate.DTypeBF16,
	"i32":  kvstate.DTypeI32,
	"i16":  kvstate.DTypeI16,
	"i8":   kvstate.DTypeI8,
	"u8":   kvstate.DTypeU8,
}

// demoRank is one simulated process: transport endpoint, block store and
// the transfer facade for its side.
type demoRank struct {
	rank    int
	manager transport.Manager
	store   *cachestore.Manager
}

func runDemo(cmd *cobra.Command, opts demoOptions) error {
	if err := transport.Initialize(opts.backend); err != nil {
		return err
	}

	dtype, ok := demoDTypes[opts.dtype]
	if !ok {
		return fmt.Errorf("%w: unknown dtype %q", kvstate.ErrConfiguration, opts.dtype)
	}

	attention := kvstate.AttentionConfig{Kind: kvstate.AttentionDefault, KVFactor: 2}
	if opts.mla {
		attention = kvstate.AttentionConfig{Kind: kvstate.AttentionMLA, KVFactor: 1}
	}

	newState := func(tp, pp int) (*kvstate.CacheState, error) {
		heads := opts.heads
		if !opts.mla {
			// Head-sharded layout; the fill pattern assumes distinct heads
			// per rank, so duplicated shards are out of scope here.
			if opts.heads%tp != 0 {
				return nil, fmt.Errorf("%w: %d heads do not shard across tp=%d", kvstate.ErrConfiguration, opts.heads, tp)
			}
			heads = opts.heads / tp
		}
		return kvstate.NewCacheState(
			kvstate.ModelConfig{
				NumLayers:      opts.layers,
				KVHeadsPerRank: heads,
				HeadSize:       opts.headSize,
				TokensPerBlock: opts.tokensPerBlock,
			},
			kvstate.ParallelConfig{TPSize: tp, PPSize: pp},
			attention,
			dtype,
		)
	}

	ctxState, err := newState(opts.ctxTP, opts.ctxPP)
	if err != nil {
		return err
	}
	genState, err := newState(opts.genTP, opts.genPP)
	if err != nil {
		return err
	}

	ctxN := opts.ctxTP * opts.ctxPP
	genN := opts.genTP * opts.genPP
	blocks := opts.requests * ((opts.tokens + opts.tokensPerBlock - 1) / opts.tokensPerBlock)

	bus := transport.NewBus()
	buildGroup := func(state *kvstate.CacheState, n, worldBase int) ([]*demoRank, error) {
		group := make([]*demoRank, n)
		for i := 0; i < n; i++ {
			mgr, err := transport.NewDefault(demoTransportOptions(opts.backend, bus, i, n, worldBase, ctxN+genN))
			if err != nil {
				return nil, err
			}
			store, err := cachestore.NewManager(state, []cachestore.PoolSpec{
				{NumLayers: state.LayersPerPPRank(), NumBlocks: blocks},
			})
			if err != nil {
				return nil, err
			}
			group[i] = &demoRank{rank: i, manager: mgr, store: store}
		}
		return group, nil
	}

	ctxGroup, err := buildGroup(ctxState, ctxN, 0)
	if err != nil {
		return err
	}
	genGroup, err := buildGroup(genState, genN, ctxN)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range append(ctxGroup, genGroup...) {
			r.manager.Close()
		}
	}()

	slog.Info("starting handoff", "transport", opts.backend,
		"context", ctxState, "generation", genState, "requests", opts.requests)
	start := time.Now()

	// Context side: fill and serve.
	responders := make([]*transfer.DataResponder, ctxN)
	var ctxFutures []*transfer.Future
	for i, r := range ctxGroup {
		buffers := transfer.NewTransferBuffers(ctxState, int(envconfig.SendBuffers()))
		responders[i] = transfer.NewDataResponder(transfer.NewSender(r.manager, r.store, r.rank, buffers))
	}
	defer func() {
		for _, resp := range responders {
			resp.Close()
		}
	}()

	for id := uint64(1); id <= uint64(opts.requests); id++ {
		for i, r := range ctxGroup {
			if err := r.store.AddSequence(id, opts.tokens); err != nil {
				return err
			}
			fillSequence(r.store, ctxState, r.rank, id)
			fut := responders[i].RespondAndSendAsync(&transfer.Request{ID: id, NumTokens: opts.tokens})
			ctxFutures = append(ctxFutures, fut)
		}
	}

	// Generation side: announce, pull, verify.
	peerComm := ctxGroup[0].manager.CommState()
	var g errgroup.Group
	for _, r := range genGroup {
		r := r
		buffers := transfer.NewTransferBuffers(genState, int(envconfig.RecvBuffers()))
		requester := transfer.NewDataRequester(transfer.NewReceiver(r.manager, r.store, r.rank, buffers))

		g.Go(func() error {
			for id := uint64(1); id <= uint64(opts.requests); id++ {
				if err := r.store.AddSequence(id, opts.tokens); err != nil {
					return err
				}
				req := &transfer.Request{
					ID:        id,
					NumTokens: opts.tokens,
					PeerState: &kvstate.TransceiverState{Comm: peerComm, Cache: *ctxState},
				}
				if err := requester.RequestAndReceiveAsync(req).Wait(); err != nil {
					return err
				}
				if bad := verifySequence(r.store, genState, r.rank, id); bad != 0 {
					return fmt.Errorf("rank %d request %d: %d mismatched bytes", r.rank, id, bad)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, fut := range ctxFutures {
		if err := fut.Wait(); err != nil {
			return err
		}
	}

	elapsed := time.Since(start)
	payload := int64(opts.requests) * int64(genN) * int64(opts.tokens) * int64(genState.BytesPerToken())
	fmt.Fprintf(cmd.OutOrStdout(), "transferred %d sequences to %d ranks in %v (%.1f MiB received, all verified)\n",
		opts.requests, genN, elapsed.Round(time.Millisecond), float64(payload)/(1<<20))
	return nil
}

func demoTransportOptions(backend string, bus *transport.Bus, rank, n, worldBase, worldSize int) transport.Options {
	opts := transport.Options{Rank: rank}
	switch backend {
	case "agent":
		host := envconfig.Host()
		addrs := make([]string, worldSize)
		for i := range addrs {
			addrs[i] = fmt.Sprintf("%s:%d", host.Hostname(), basePort(host)+i)
		}
		opts.GroupAddrs = addrs[worldBase : worldBase+n]
		opts.BindAddr = opts.GroupAddrs[rank]
	default:
		world := make([]int, n)
		for i := range world {
			world[i] = worldBase + i
		}
		opts.Bus = bus
		opts.WorldRanks = world
	}
	return opts
}

func basePort(u *url.URL) int {
	p, _ := strconv.Atoi(u.Port())
	return p
}

// fillSequence writes the deterministic pattern into every cell this rank
// owns, addressed in the coordinates both groups share.
func fillSequence(store *cachestore.Manager, state *kvstate.CacheState, rank int, id uint64) {
	eachCell(store, state, rank, id, func(cell []byte, seed uint32) {
		for j := range cell {
			cell[j] = byte(seed>>uint(8*(j%4))) ^ byte(j)
		}
	})
}

// verifySequence checks the pattern on the receiving side and returns the
// number of mismatched bytes.
func verifySequence(store *cachestore.Manager, state *kvstate.CacheState, rank int, id uint64) int {
	bad := 0
	eachCell(store, state, rank, id, func(cell []byte, seed uint32) {
		for j := range cell {
			if cell[j] != byte(seed>>uint(8*(j%4)))^byte(j) {
				bad++
			}
		}
	})
	return bad
}

// eachCell visits the head-size record of every (layer, kv, head, token)
// cell the rank holds, with a seed derived from the global coordinates.
func eachCell(store *cachestore.Manager, state *kvstate.CacheState, rank int, id uint64, visit func(cell []byte, seed uint32)) {
	model := state.Model
	record := model.HeadSize * state.DType.Size()
	numTokens, err := store.NumTokens(id)
	if err != nil {
		panic(err)
	}

	tpRank := rank % state.Parallel.TPSize
	ppRank := rank / state.Parallel.TPSize
	localLayers := state.LayersPerPPRank()

	blocks, err := cachestore.AllBlocks(store, 0, id)
	if err != nil {
		panic(err)
	}

	for l := 0; l < localLayers; l++ {
		globalLayer := ppRank*localLayers + l
		for kv := 0; kv < state.Attention.KVFactor; kv++ {
			for h := 0; h < model.KVHeadsPerRank; h++ {
				globalHead := h
				if state.Attention.Kind == kvstate.AttentionDefault {
					globalHead = tpRank*model.KVHeadsPerRank + h
				}
				rowBase := ((l*state.Attention.KVFactor+kv)*model.KVHeadsPerRank + h) * model.TokensPerBlock * record

				for tok := 0; tok < numTokens; tok++ {
					b := blocks.Bytes(tok / model.TokensPerBlock)
					off := rowBase + (tok%model.TokensPerBlock)*record
					visit(b[off:off+record], mix(id, globalLayer, kv, globalHead, tok))
				}
			}
		}
	}
}

// mix combines the cell coordinates into one seed, golden-ratio style.
func mix(id uint64, vals ...int) uint32 {
	h := uint32(id)
	for _, v := range vals {
		h ^= uint32(v) + 0x9e3779b9 + (h << 6) + (h >> 2)
	}
	return h
}
