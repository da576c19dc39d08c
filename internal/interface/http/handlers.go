package httpservice

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/arkade-os/fedmint/internal/core/application"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/errors"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const maxRequestSize = 4 << 20

type handler struct {
	version string
	svc     application.Service
	// optional, the peg-in proof endpoint is not served without it
	proofs ports.PegInProofSource
	cfg    Config
}

// newRouter returns the client api. metrics may be nil.
func newRouter(
	version string, cfg Config, svc application.Service,
	proofs ports.PegInProofSource, metrics http.Handler,
) (http.Handler, error) {
	h := &handler{version, svc, proofs, cfg}

	router := mux.NewRouter()
	router.Use(panicRecovery, requestLogger)

	api := router.PathPrefix("/v1").Subrouter()
	if cfg.RateLimit > 0 {
		limiter, err := newClientLimiter(cfg.RateLimit, cfg.RateBurst)
		if err != nil {
			return nil, err
		}
		api.Use(limiter.middleware)
	}

	api.HandleFunc("/tx", h.submitTransaction).Methods(http.MethodPost)
	api.HandleFunc("/tx/{txid}", h.getTransaction).Methods(http.MethodGet)
	api.HandleFunc("/outpoint/{txid}/{vout}", h.getOutpoint).Methods(http.MethodGet)
	api.HandleFunc("/epoch", h.getEpoch).Methods(http.MethodGet)
	api.HandleFunc("/wallet/round", h.getRoundConsensus).Methods(http.MethodGet)
	api.HandleFunc("/wallet/pegouts", h.listQueuedPegOuts).Methods(http.MethodGet)
	api.HandleFunc("/wallet/pegout/{txid}", h.getPegOutTx).Methods(http.MethodGet)
	api.HandleFunc("/wallet/address", h.getPegInAddress).
		Queries("tweak", "{tweak}").Methods(http.MethodGet)
	if proofs != nil {
		api.HandleFunc("/wallet/proof/{txid}/{vout}", h.getPegInProof).
			Queries("tweak", "{tweak}").Methods(http.MethodGet)
	}
	api.HandleFunc("/ln/offer/{hash}", h.getOffer).Methods(http.MethodGet)
	api.HandleFunc("/ln/contract/{id}", h.getContract).Methods(http.MethodGet)
	api.HandleFunc("/info", h.getInfo).Methods(http.MethodGet)
	api.HandleFunc("/health", h.listPeerHealth).Methods(http.MethodGet)

	if metrics != nil {
		router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	if cfg.EnableCors {
		return cors(router), nil
	}
	return router, nil
}

func (h *handler) submitTransaction(w http.ResponseWriter, r *http.Request) {
	var req submitTxRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, r, errors.INVALID_TX_FORMAT.New("failed to decode tx: %s", err))
		return
	}
	if req.Tx == nil {
		writeError(w, r, errors.INVALID_TX_FORMAT.New("missing tx"))
		return
	}

	txid, err := h.svc.SubmitTransaction(r.Context(), *req.Tx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitTxResponse{txid})
}

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	txid, err := parseTxid(mux.Vars(r)["txid"])
	if err != nil {
		writeError(w, r, errors.INVALID_ARGUMENT.Wrap(err))
		return
	}
	status, verr := h.svc.GetTransaction(r.Context(), txid)
	if verr != nil {
		writeError(w, r, verr)
		return
	}
	writeJSON(w, http.StatusOK, toTxStatusResponse(status))
}

// getOutpoint returns the issuance state of the outpoint. With ?wait=<seconds> it
// holds the request until the signature is finalized or the wait expires.
func (h *handler) getOutpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	outpoint, err := parseOutpoint(vars["txid"], vars["vout"])
	if err != nil {
		writeError(w, r, errors.INVALID_ARGUMENT.Wrap(err))
		return
	}
	wait, err := parseWait(r.URL.Query().Get("wait"), h.cfg.maxWait())
	if err != nil {
		writeError(w, r, errors.INVALID_ARGUMENT.Wrap(err))
		return
	}

	ctx := r.Context()
	getState := h.svc.GetOutpoint
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
		getState = h.svc.WaitOutpoint
	}
	state, verr := getState(ctx, outpoint)
	if verr != nil {
		writeError(w, r, verr)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *handler) getEpoch(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.GetEpoch(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEpochResponse(info))
}

func (h *handler) getRoundConsensus(w http.ResponseWriter, r *http.Request) {
	round, err := h.svc.GetRoundConsensus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoundResponse(round))
}

func (h *handler) listQueuedPegOuts(w http.ResponseWriter, r *http.Request) {
	pegOuts, err := h.svc.ListQueuedPegOuts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pegOuts": pegOuts})
}

func (h *handler) getPegOutTx(w http.ResponseWriter, r *http.Request) {
	txid, err := parseChainTxid(mux.Vars(r)["txid"])
	if err != nil {
		writeError(w, r, errors.INVALID_ARGUMENT.Wrap(err))
		return
	}
	tx, verr := h.svc.GetPegOutTx(r.Context(), *txid)
	if verr != nil {
		writeError(w, r, verr)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) getPegInAddress(w http.ResponseWriter, r *http.Request) {
	tweak, err := parseTweak(mux.Vars(r)["tweak"])
	if err != nil {
		writeError(w, r, errors.INVALID_ARGUMENT.Wrap(err))
		return
	}
	addr, verr := h.svc.GetPegInAddress(r.Context(), tweak)
	if verr != nil {
		writeError(w, r, verr)
		return
	}
	writeJSON(w, http.StatusOK, addressResponse{addr, tweak})
}

func (h *handler) getPegInProof(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	txid, err := parseChainTxid(vars["txid"])
	if err != nil {
		writeError(w, r, errors.INVALID_ARGUMENT.Wrap(err))
		return
	}
	vout, err := parseVout(vars["vout"])
	if err != nil {
		writeError(w, r, errors.INVALID_ARGUMENT.Wrap(err))
		return
	}
	tweak, err := parseTweak(vars["tweak"])
	if err != nil {
		writeError(w, r, errors.INVALID_ARGUMENT.Wrap(err))
		return
	}

	proof, err := h.proofs.GetPegInProof(r.Context(), *txid, vout, tweak)
	if err != nil {
		writeError(w, r, errors.CHAIN_UNAVAILABLE.Wrap(err))
		return
	}
	buf, err := proof.Serialize()
	if err != nil {
		writeError(w, r, errors.INTERNAL_ERROR.Wrap(err))
		return
	}
	op := proof.Outpoint()
	writeJSON(w, http.StatusOK, pegInProofResponse{
		Outpoint: op.String(),
		Proof:    hex.EncodeToString(buf),
	})
}

func (h *handler) getOffer(w http.ResponseWriter, r *http.Request) {
	hash, err := parsePaymentHash(mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, r, errors.INVALID_ARGUMENT.Wrap(err))
		return
	}
	offer, verr := h.svc.GetOffer(r.Context(), hash)
	if verr != nil {
		writeError(w, r, verr)
		return
	}
	writeJSON(w, http.StatusOK, toOfferResponse(offer))
}

func (h *handler) getContract(w http.ResponseWriter, r *http.Request) {
	id, err := parseTxid(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, errors.INVALID_ARGUMENT.New("invalid contract id"))
		return
	}
	account, verr := h.svc.GetContract(r.Context(), id)
	if verr != nil {
		writeError(w, r, verr)
		return
	}
	writeJSON(w, http.StatusOK, toContractResponse(account))
}

func (h *handler) getInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toInfoResponse(h.version, h.svc.GetInfo(r.Context())))
}

func (h *handler) listPeerHealth(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListPeerHealth(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": toPeerHealthResponse(list)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err errors.Error) {
	if err.Code() == errors.INTERNAL_ERROR.Code {
		err.Log().WithField("path", r.URL.Path).Error(err.Error())
	} else {
		log.WithField("path", r.URL.Path).Debugf("request failed: %s", err)
	}
	writeJSON(w, err.HTTPStatus(), errorResponse{
		Code:     err.Code(),
		Name:     err.CodeName(),
		Message:  err.Error(),
		Metadata: emptyToNil(err.Metadata()),
	})
}

func emptyToNil(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
