package timestamps

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/gopades/logging"
)

// DefaultPolicy is the TSA policy OID used when none is configured.
var DefaultPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2}

// LocalAuthority is an in-process RFC 3161 responder. It grants every
// well-formed request.
type LocalAuthority struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
	// Chain holds issuer certificates included next to Certificate.
	Chain    []*x509.Certificate
	Policy   asn1.ObjectIdentifier
	Accuracy time.Duration
	Clock    clockwork.Clock

	log *slog.Logger
}

// NewLocalAuthority creates an authority signing with key. The certificate
// must carry the timeStamping extended key usage.
func NewLocalAuthority(cert *x509.Certificate, key crypto.Signer) *LocalAuthority {
	return &LocalAuthority{
		Certificate: cert,
		Key:         key,
		Policy:      DefaultPolicy,
		Accuracy:    time.Second,
		Clock:       clockwork.NewRealClock(),
		log:         logging.Discard(),
	}
}

// WithChain sets the issuer certificates to embed.
func (a *LocalAuthority) WithChain(chain []*x509.Certificate) *LocalAuthority {
	a.Chain = chain
	return a
}

// WithClock sets the time source.
func (a *LocalAuthority) WithClock(c clockwork.Clock) *LocalAuthority {
	a.Clock = c
	return a
}

// WithLogger sets the logger.
func (a *LocalAuthority) WithLogger(l *slog.Logger) *LocalAuthority {
	a.log = logging.OrDiscard(l)
	return a
}

// Respond answers a DER TimeStampReq with a DER TimeStampResp.
func (a *LocalAuthority) Respond(query []byte) ([]byte, error) {
	req, err := timestamp.ParseRequest(query)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp request: %w", err)
	}
	ts := &timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              a.Clock.Now().UTC(),
		Accuracy:          a.Accuracy,
		Policy:            a.Policy,
		Nonce:             req.Nonce,
		AddTSACertificate: req.Certificates,
		Certificates:      a.Chain,
	}
	resp, err := ts.CreateResponseWithOpts(a.Certificate, a.Key, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("create timestamp response: %w", err)
	}
	a.log.Debug("timestamp granted", "hash", req.HashAlgorithm, "time", ts.Time)
	return resp, nil
}

// ServeHTTP implements http.Handler for POSTed timestamp queries.
func (a *LocalAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := a.Respond(query)
	if err != nil {
		a.log.Warn("timestamp request rejected", "error", err)
		rejection, rerr := timestamp.CreateErrorResponse(timestamp.Rejection, timestamp.BadDataFormat)
		if rerr != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", ContentTypeReply)
		w.WriteHeader(http.StatusBadRequest)
		w.Write(rejection)
		return
	}
	w.Header().Set("Content-Type", ContentTypeReply)
	w.Write(resp)
}
