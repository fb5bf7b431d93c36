package mockgw

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/paybench/internal/canonical"
	"github.com/roach88/paybench/internal/codec"
	"github.com/roach88/paybench/internal/fault"
	"github.com/roach88/paybench/internal/merchant"
	"github.com/roach88/paybench/internal/signature"
)

func (g *Gateway) handleTransaction(w http.ResponseWriter, r *http.Request) {
	n := g.received.Add(1)
	log := g.cfg.Logger.With("path", r.URL.Path, "request", n)

	if g.cfg.Latency > 0 {
		select {
		case <-time.After(g.cfg.Latency):
		case <-r.Context().Done():
			return
		}
	}

	if g.cfg.FailEvery > 0 && n%int64(g.cfg.FailEvery) == 0 {
		g.injected.Add(1)
		log.Debug("injecting failure")
		writeError(w, http.StatusServiceUnavailable, "injected failure")
		return
	}

	cur, payload, status, err := g.open(w, r)
	if err != nil {
		g.rejected.Add(1)
		log.Info("request rejected", "status", status, "error", err)
		writeError(w, status, err.Error())
		return
	}

	key := cur.MerchantCode + "/" + orderID(payload)
	g.mu.Lock()
	resp, seen := g.taken[key]
	if !seen {
		resp = canonical.Payload{
			"status":    "ok",
			"orderId":   payload["orderId"],
			"amount":    payload["amount"],
			"currency":  cur.Code,
			"type":      payload["type"],
			"reference": g.cfg.NewReference(),
		}
		g.taken[key] = resp
	}
	g.mu.Unlock()

	if seen {
		g.replayed.Add(1)
		log.Debug("replaying response", "order_id", payload["orderId"])
	} else {
		g.accepted.Add(1)
	}

	if !g.cfg.EncryptResponses {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	data, err := codec.EncryptObject(resp, cur.Credential())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, canonical.Payload{"merchantCode": cur.MerchantCode, "data": data})
}

// open resolves the merchant, authenticates the body and returns the
// payload together with the status to answer on failure.
func (g *Gateway) open(w http.ResponseWriter, r *http.Request) (*merchant.Currency, canonical.Payload, int, error) {
	const op = "mockgw.open"

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, nil, http.StatusRequestEntityTooLarge, fault.Wrap(fault.KindValidation, op, err)
	}
	body, err := codec.ParseObject(string(raw))
	if err != nil {
		return nil, nil, http.StatusBadRequest, err
	}

	code := r.Header.Get(merchant.MerchantCodeHeader)
	if code == "" {
		code, _ = body["merchantCode"].(string)
	}
	cur, ok := g.cfg.Table.ByMerchantCode(code)
	if !ok {
		return nil, nil, http.StatusUnauthorized, fault.New(fault.KindValidation, op, "unknown merchant %q", code)
	}

	kind, ok := kindForPath(cur, r.URL.Path)
	if !ok {
		return nil, nil, http.StatusNotFound, fault.New(fault.KindValidation, op, "no endpoint %s for merchant %s", r.URL.Path, code)
	}

	payload := body
	if cur.Auth.Encrypts() {
		data, ok := body["data"].(string)
		if !ok {
			return nil, nil, http.StatusBadRequest, fault.New(fault.KindMalformedPayload, op, "encrypted body has no data field")
		}
		payload, err = codec.DecryptObject(data, cur.Credential())
		if err != nil {
			return nil, nil, http.StatusBadRequest, err
		}
	}

	if cur.Auth.Signs() {
		sig := r.Header.Get(signature.HeaderName)
		if sig == "" {
			return nil, nil, http.StatusUnauthorized, fault.New(fault.KindSignatureMismatch, op, "missing %s header", signature.HeaderName)
		}
		if err := signature.Check(payload, sig, cur.SecretKey); err != nil {
			return nil, nil, http.StatusUnauthorized, err
		}
	}

	if got, _ := payload["merchantCode"].(string); got != cur.MerchantCode {
		return nil, nil, http.StatusBadRequest, fault.New(fault.KindValidation, op, "payload merchantCode %q does not match %q", got, cur.MerchantCode)
	}
	if orderID(payload) == "" {
		return nil, nil, http.StatusBadRequest, fault.New(fault.KindValidation, op, "orderId is required")
	}
	if t, _ := payload["type"].(string); t != "" && t != string(kind) {
		return nil, nil, http.StatusBadRequest, fault.New(fault.KindValidation, op, "type %q sent to the %s endpoint", t, kind)
	}
	return cur, payload, 0, nil
}

// kindForPath matches on the path suffix so merchants whose base URL
// carries a prefix (https://host/api/) still resolve.
func kindForPath(cur *merchant.Currency, path string) (merchant.Kind, bool) {
	clean := "/" + strings.Trim(path, "/")
	for _, k := range []merchant.Kind{merchant.KindDeposit, merchant.KindPayout} {
		if strings.HasSuffix(clean, "/"+strings.Trim(cur.Path(k), "/")) {
			return k, true
		}
	}
	return "", false
}

func orderID(p canonical.Payload) string {
	id, _ := p["orderId"].(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, body canonical.Payload) {
	data, err := canonical.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, canonical.Payload{"status": "error", "error": msg})
}
