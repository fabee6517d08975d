package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"OptionLedger/internal/observability"

	"github.com/goccy/go-json"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type gateway struct {
	api     LedgerAPI
	mux     *runtime.ServeMux
	metrics *observability.Metrics
}

// NewGatewayHandler exposes api as HTTP/JSON. Mutating routes take the same
// bodies as the gRPC methods; query routes take path and query parameters.
func NewGatewayHandler(api LedgerAPI, health *observability.HealthChecker, metrics *observability.Metrics) (http.Handler, error) {
	g := &gateway{api: api, mux: runtime.NewServeMux(), metrics: metrics}

	routes := []struct {
		method  string
		pattern string
		h       runtime.HandlerFunc
	}{
		{"POST", "/v1/batches", rawRoute(api.Operate)},
		{"POST", "/v1/instruments", rawRoute(api.CreateInstrument)},
		{"POST", "/v1/operators", rawRoute(api.SetOperator)},
		{"POST", "/v1/wallet/fund", rawRoute(api.Fund)},
		{"POST", "/v1/wallet/withdraw", rawRoute(api.Withdraw)},
		{"POST", "/v1/wallet/transfer", rawRoute(api.Transfer)},
		{"POST", "/v1/vaults/{owner}/{vault_id}/settle", g.settle},
		{"POST", "/v1/redeem", g.redeem},
		{"GET", "/v1/vaults/{owner}/{vault_id}", g.vault},
		{"GET", "/v1/instruments", g.listInstruments},
		{"GET", "/v1/instruments/{id}", g.instrument},
		{"GET", "/v1/instruments/{id}/payout", g.payout},
		{"GET", "/v1/balances/{owner}/{token}", g.balance},
		{"GET", "/v1/status", g.status},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, g.observe(rt.method+" "+rt.pattern, rt.h)); err != nil {
			return nil, err
		}
	}

	httpMux := http.NewServeMux()
	if health != nil {
		httpMux.HandleFunc("/healthz", health.LivenessHandler)
		httpMux.HandleFunc("/readyz", health.ReadinessHandler)
	}
	httpMux.Handle("/", g.mux)
	return httpMux, nil
}

func (g *gateway) observe(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	if g.metrics == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r, params)
		g.metrics.RequestsTotal.WithLabelValues(name, strconv.Itoa(rec.code)).Inc()
		g.metrics.RequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func rawRoute[Resp any](call func(context.Context, *json.RawMessage) (*Resp, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, invalidArg("read body: %v", err))
			return
		}
		msg := json.RawMessage(body)
		resp, err := call(r.Context(), &msg)
		writeResult(w, resp, err)
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return invalidArg("decode body: %v", err)
	}
	return nil
}

func vaultID(params map[string]string) (uint64, error) {
	id, err := strconv.ParseUint(params["vault_id"], 10, 64)
	if err != nil {
		return 0, invalidArg("vault_id: %v", err)
	}
	return id, nil
}

func (g *gateway) settle(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req SettleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := vaultID(params)
	if err != nil {
		writeError(w, err)
		return
	}
	req.Owner, req.VaultID = params["owner"], id
	resp, err := g.api.SettleVault(r.Context(), &req)
	writeResult(w, resp, err)
}

func (g *gateway) redeem(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req RedeemRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := g.api.Redeem(r.Context(), &req)
	writeResult(w, resp, err)
}

func (g *gateway) vault(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := vaultID(params)
	if err != nil {
		writeError(w, err)
		return
	}
	req := VaultRequest{Owner: params["owner"], VaultID: id}
	if at := r.URL.Query().Get("at"); at != "" {
		ts, err := strconv.ParseUint(at, 10, 64)
		if err != nil {
			writeError(w, invalidArg("at: %v", err))
			return
		}
		req.At = &ts
	}
	resp, err := g.api.GetVault(r.Context(), &req)
	writeResult(w, resp, err)
}

func (g *gateway) listInstruments(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.api.ListInstruments(r.Context(), &ListInstrumentsRequest{})
	writeResult(w, resp, err)
}

func (g *gateway) instrument(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := g.api.GetInstrument(r.Context(), &InstrumentRequest{ID: params["id"]})
	writeResult(w, resp, err)
}

func (g *gateway) payout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	req := PayoutRequest{Instrument: params["id"], Amount: r.URL.Query().Get("amount")}
	resp, err := g.api.GetPayout(r.Context(), &req)
	writeResult(w, resp, err)
}

func (g *gateway) balance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := g.api.Balance(r.Context(), &BalanceRequest{Owner: params["owner"], Token: params["token"]})
	writeResult(w, resp, err)
}

func (g *gateway) status(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.api.Status(r.Context(), &StatusRequest{})
	writeResult(w, resp, err)
}

func writeResult(w http.ResponseWriter, resp interface{}, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	code := st.Code()
	if code == codes.OK {
		code = codes.Unknown
	}
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{Code: code.String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
