package explorer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/gorilla/mux"
	"github.com/liamzebedee/tinytrust/core"
	"github.com/liamzebedee/tinytrust/core/pot"
)

// ExplorerServer serves a read-only JSON view of a running consensus engine.
type ExplorerServer struct {
	router *mux.Router
	log    *log.Logger

	host        string
	port        int
	environment string

	engine *pot.Engine
}

type blockView struct {
	Hash      pot.Hash     `json:"hash"`
	Parent    pot.Hash     `json:"parent"`
	Epoch     uint64       `json:"epoch"`
	Slot      uint64       `json:"slot"`
	Height    uint64       `json:"height"`
	Leader    pot.Identity `json:"leader"`
	TieBreak  string       `json:"tie_break"`
	AccWeight string       `json:"acc_weight"`
}

func newBlockView(b pot.BlockRef) blockView {
	return blockView{
		Hash:      b.Hash,
		Parent:    b.Parent,
		Epoch:     b.Epoch,
		Slot:      b.Slot,
		Height:    b.Height,
		Leader:    b.Leader,
		TieBreak:  b.TieBreak.Dec(),
		AccWeight: b.AccWeight.Dec(),
	}
}

type snapshotView struct {
	Header  pot.SnapshotHeader  `json:"header"`
	Entries []pot.SnapshotEntry `json:"entries"`
}

type witnessView struct {
	Epoch         uint64             `json:"epoch"`
	Identity      pot.Identity       `json:"identity"`
	StakeFraction core.Q             `json:"stake_fraction"`
	Trust         core.Q             `json:"trust"`
	Proof         *pot.MerkleWitness `json:"proof"`
}

func NewExplorerServer(engine *pot.Engine, port int) *ExplorerServer {
	log := core.NewLogger("explorer", "")
	environment := os.Getenv("ENV")
	if environment == "" {
		environment = "dev"
	}
	if !(environment == "dev" || environment == "test" || environment == "live") {
		log.Fatalf("Invalid environment %s, must be one of (dev, test, live)", environment)
	}

	host := map[string]string{
		"dev":  "127.0.0.1",
		"test": "0.0.0.0",
		"live": "0.0.0.0",
	}[environment]

	expl := &ExplorerServer{
		router:      mux.NewRouter(),
		log:         log,
		host:        host,
		port:        port,
		environment: environment,
		engine:      engine,
	}

	expl.router.HandleFunc("/head", expl.getHead).Methods(http.MethodGet)
	expl.router.HandleFunc("/epoch", expl.getEpoch).Methods(http.MethodGet)
	expl.router.HandleFunc("/snapshot/{epoch:[0-9]+}", expl.getSnapshot).Methods(http.MethodGet)
	expl.router.HandleFunc("/snapshot/{epoch:[0-9]+}/witness/{identity}", expl.getWitness).Methods(http.MethodGet)
	expl.router.HandleFunc("/trust/{identity}", expl.getTrust).Methods(http.MethodGet)
	expl.router.HandleFunc("/beacon/{epoch:[0-9]+}/{slot:[0-9]+}", expl.getBeacon).Methods(http.MethodGet)

	return expl
}

// Handler exposes the router, eg. for tests.
func (expl *ExplorerServer) Handler() http.Handler {
	return expl.router
}

func (expl *ExplorerServer) Start() error {
	listenAddr := fmt.Sprintf("%s:%d", expl.host, expl.port)
	expl.log.Printf("Listening on %s", color.HiCyanString("http://%s", listenAddr))
	return http.ListenAndServe(listenAddr, expl.router)
}

func (expl *ExplorerServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		expl.log.Printf("error writing response: %s", err)
	}
}

func parseUint(vars map[string]string, name string) (uint64, error) {
	v, err := strconv.ParseUint(vars[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func (expl *ExplorerServer) getHead(w http.ResponseWriter, r *http.Request) {
	head, err := expl.engine.Head(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	expl.writeJSON(w, newBlockView(head))
}

func (expl *ExplorerServer) getEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, started, err := expl.engine.CurrentEpoch(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	expl.writeJSON(w, map[string]interface{}{
		"epoch":   epoch,
		"started": started,
	})
}

func (expl *ExplorerServer) lookupSnapshot(w http.ResponseWriter, r *http.Request) (*pot.EpochSnapshot, bool) {
	epoch, err := parseUint(mux.Vars(r), "epoch")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	snap, err := expl.engine.Snapshot(r.Context(), epoch)
	if errors.Is(err, pot.ErrNoSnapshot) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	return snap, true
}

func (expl *ExplorerServer) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := expl.lookupSnapshot(w, r)
	if !ok {
		return
	}
	expl.writeJSON(w, snapshotView{Header: snap.Header(), Entries: snap.Entries()})
}

func (expl *ExplorerServer) getWitness(w http.ResponseWriter, r *http.Request) {
	id, err := pot.ParseIdentity(mux.Vars(r)["identity"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, ok := expl.lookupSnapshot(w, r)
	if !ok {
		return
	}
	entry, ok := snap.Entry(id)
	if !ok {
		http.Error(w, fmt.Sprintf("%s is not in the snapshot of epoch %d", id, snap.Epoch()), http.StatusNotFound)
		return
	}
	proof, _ := snap.BuildWitness(id)
	expl.writeJSON(w, witnessView{
		Epoch:         snap.Epoch(),
		Identity:      id,
		StakeFraction: entry.StakeFraction,
		Trust:         entry.Trust,
		Proof:         proof,
	})
}

func (expl *ExplorerServer) getTrust(w http.ResponseWriter, r *http.Request) {
	id, err := pot.ParseIdentity(mux.Vars(r)["identity"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	trust, err := expl.engine.TrustOf(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	expl.writeJSON(w, map[string]interface{}{
		"identity": id,
		"trust":    trust,
	})
}

func (expl *ExplorerServer) getBeacon(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	epoch, err := parseUint(vars, "epoch")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slot, err := parseUint(vars, "slot")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	value, ok, err := expl.engine.BeaconValue(r.Context(), epoch, slot)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, fmt.Sprintf("beacon for epoch %d is not finalized", epoch), http.StatusNotFound)
		return
	}
	expl.writeJSON(w, map[string]interface{}{
		"epoch": epoch,
		"slot":  slot,
		"value": value,
	})
}
