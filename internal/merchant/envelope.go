package merchant

import (
	"net/http"

	"github.com/roach88/paybench/internal/canonical"
	"github.com/roach88/paybench/internal/codec"
	"github.com/roach88/paybench/internal/fault"
	"github.com/roach88/paybench/internal/signature"
	"github.com/roach88/paybench/internal/transport"
)

// MerchantCodeHeader carries the merchant code on every request so the
// gateway can pick the credential before touching the body.
const MerchantCodeHeader = "X-Merchant-Code"

// Envelope seals payload for cur and addresses it to the kind's endpoint.
//
//	encrypt: body {"data":<cipher>,"merchantCode":...}
//	sign:    body is the canonical payload, X-Signature over it
//	both:    encrypted body, X-Signature over the canonical payload
func Envelope(cur *Currency, kind Kind, payload canonical.Payload) (transport.Request, error) {
	const op = "merchant.Envelope"

	if !cur.Auth.Valid() {
		return transport.Request{}, fault.New(fault.KindValidation, op, "%s: unknown auth mode %q", cur.Code, cur.Auth)
	}

	plain, err := canonical.Marshal(payload)
	if err != nil {
		return transport.Request{}, err
	}

	req := transport.Request{
		URL:    cur.Endpoint(kind),
		Method: http.MethodPost,
		Headers: map[string]string{
			MerchantCodeHeader: cur.MerchantCode,
		},
		Body: plain,
	}
	cred := cur.Credential()

	if cur.Auth.Encrypts() {
		data, err := codec.Encrypt(string(plain), cred)
		if err != nil {
			return transport.Request{}, err
		}
		body, err := canonical.Marshal(canonical.Payload{
			"merchantCode": cur.MerchantCode,
			"data":         data,
		})
		if err != nil {
			return transport.Request{}, err
		}
		req.Body = body
	}

	if cur.Auth.Signs() {
		sig, err := signature.Sign(payload, cred.SecretKey)
		if err != nil {
			return transport.Request{}, err
		}
		req.Headers[signature.HeaderName] = sig
	}

	return req, nil
}
