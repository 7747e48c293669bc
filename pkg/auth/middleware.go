package auth

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ClawsCorp/core/pkg/apierror"
	"github.com/ClawsCorp/core/pkg/audit"
)

// MaxBodyBytes bounds the body read for signature verification.
const MaxBodyBytes = 1 << 20

// NewMiddleware rejects every request whose verdict is not valid. Rejections
// are audited before the 401 is written; if the audit row cannot be written
// the request fails with 500 instead. Valid requests continue with the
// Caller attached to their context and the body restored.
func NewMiddleware(v *Verifier, auditor audit.Logger, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					apierror.WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "request body exceeds limit")
					return
				}
				apierror.WriteBadRequest(w, "unreadable request body")
				return
			}
			_ = r.Body.Close()

			caller := Caller{
				Nonce:          r.Header.Get(HeaderNonce),
				BodyHash:       BodyHash(body),
				IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
			}

			status := StatusInvalid
			var verr error
			if v == nil {
				verr = ErrNoSecret
			} else {
				status, verr = v.Verify(ctx, Request{
					Timestamp: r.Header.Get(HeaderTimestamp),
					Nonce:     caller.Nonce,
					Signature: r.Header.Get(HeaderSignature),
					Method:    r.Method,
					Path:      r.URL.Path,
					Body:      body,
				})
			}
			if verr != nil {
				logger.ErrorContext(ctx, "signature verification failed closed", "path", r.URL.Path, "error", verr)
				status = StatusInvalid
			}
			caller.Status = status

			if status != StatusValid {
				entry := caller.Entry(r)
				entry.ActorType = audit.ActorUnknown
				entry.Outcome = audit.OutcomeRejected
				if err := record(auditor, r, entry); err != nil {
					apierror.WriteInternal(w, err)
					return
				}
				logger.WarnContext(ctx, "request rejected", "path", r.URL.Path, "signature", string(status))
				apierror.WriteUnauthorized(w, "signature "+string(status))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
		})
	}
}

func record(auditor audit.Logger, r *http.Request, e audit.Entry) error {
	if auditor == nil {
		return audit.ErrNotConfigured
	}
	return auditor.Record(r.Context(), e)
}
