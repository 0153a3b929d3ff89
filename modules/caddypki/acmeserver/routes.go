package acmeserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/caddyserver/acmeserver/acme"
)

// statusRecorder captures the status code a handler wrote, for the
// requests_total metric (the chi router itself doesn't expose it).
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// NewRouter builds the chi router mounting every ACME endpoint against
// engine, rendering URLs through urls and logging through logger. The
// route patterns come from the same URLBuilder the views embed, so the
// paths clients are told about are exactly the paths the router
// answers, prefix included. Every response gets a fresh Replay-Nonce
// and a Link to the directory through a shared wrapper around each
// named route.
func NewRouter(engine *acme.Engine, urls *URLBuilder, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	route := func(name string, fn func(w http.ResponseWriter, r *http.Request)) func(w http.ResponseWriter, r *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			w.Header().Set("Link", "<"+urls.DirectoryURL()+">; rel=\"index\"")
			if nonce, err := engine.Nonces.Generate(r.Context()); err == nil {
				w.Header().Set("Replay-Nonce", nonce)
			}
			fn(rec, r)
			observeRequest(name, rec.code)
		}
	}

	r.Get(urls.directoryPath(), route("directory", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, engine.Directory.View())
	}))

	r.Head(urls.newNoncePath(), route("newnonce", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	r.Get(urls.newNoncePath(), route("newnonce", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	r.Post(urls.newAccountPath(), route("newaccount", func(w http.ResponseWriter, r *http.Request) {
		env, problem := verifyRequest(r, engine, urls.NewAccountURL(), acme.VerifyOptions{AllowEmbeddedJWK: true})
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		account, created, problem := engine.Accounts.New(r.Context(), env)
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		w.Header().Set("Location", urls.AccountURL(account.Name))
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, logger, status, engine.Accounts.View(account))
	}))

	r.Post(urls.accountPath("{name}"), route("acct", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		env, problem := verifyRequest(r, engine, urls.AccountURL(name), acme.VerifyOptions{})
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		if env.AccountName != name {
			writeProblem(w, logger, acme.NewProblem(acme.ErrUnauthorized, "kid does not match account URL"))
			return
		}
		account, problem := engine.Accounts.Parse(r.Context(), name, env)
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		w.Header().Set("Location", urls.AccountURL(account.Name))
		writeJSON(w, logger, http.StatusOK, engine.Accounts.View(account))
	}))

	// Deprecated: plain GET account lookup, kept for clients that
	// predate POST-as-GET. New clients POST an empty payload to the
	// account URL instead.
	r.Get(urls.accountPath("{name}"), route("acct", func(w http.ResponseWriter, r *http.Request) {
		account, problem := engine.Accounts.LookupByName(r.Context(), chi.URLParam(r, "name"))
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		writeJSON(w, logger, http.StatusOK, engine.Accounts.View(account))
	}))

	r.Post(urls.newOrderPath(), route("neworders", func(w http.ResponseWriter, r *http.Request) {
		env, problem := verifyRequest(r, engine, urls.NewOrderURL(), acme.VerifyOptions{})
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		order, problem := engine.Orders.New(r.Context(), env.AccountName, env)
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		w.Header().Set("Location", urls.OrderURL(order.Name))
		writeJSON(w, logger, http.StatusCreated, engine.Orders.View(order))
	}))

	r.Post(urls.orderPath("{name}"), route("order", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		_, problem := verifyRequest(r, engine, urls.OrderURL(name), acme.VerifyOptions{})
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		order, problem := engine.Orders.Get(r.Context(), name)
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		writeJSON(w, logger, http.StatusOK, engine.Orders.View(order))
	}))

	r.Post(urls.orderFinalizePath("{name}"), route("finalize", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		env, problem := verifyRequest(r, engine, urls.OrderFinalizeURL(name), acme.VerifyOptions{})
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		order, problem := engine.Orders.Finalize(r.Context(), name, env)
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		writeJSON(w, logger, http.StatusOK, engine.Orders.View(order))
	}))

	r.Post(urls.authorizationPath("{name}"), route("authz", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		env, problem := verifyRequest(r, engine, urls.AuthorizationURL(name), acme.VerifyOptions{})
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		authz, problem := engine.Authorizations.Parse(r.Context(), name, env)
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		view, problem := engine.Authorizations.View(r.Context(), authz)
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		writeJSON(w, logger, http.StatusOK, view)
	}))

	r.Post(urls.challengePath("{name}"), route("chall", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		env, problem := verifyRequest(r, engine, urls.ChallengeURL(name), acme.VerifyOptions{})
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		c, problem := engine.Challenges.Parse(r.Context(), name, env)
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		w.Header().Add("Link", "<"+urls.AuthorizationURL(c.AuthorizationName)+">; rel=\"up\"")
		writeJSON(w, logger, http.StatusOK, engine.Challenges.View(c))
	}))

	r.Post(urls.certificatePath("{name}"), route("cert", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		env, problem := verifyRequest(r, engine, urls.CertificateURL(name), acme.VerifyOptions{})
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		cert, problem := engine.Certificates.Get(r.Context(), name, env.AccountName)
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		w.Header().Set("Content-Type", "application/pem-certificate-chain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(cert.Chain)
	}))

	r.Post(urls.revokeCertPath(), route("revokecert", func(w http.ResponseWriter, r *http.Request) {
		env, problem := verifyRequest(r, engine, urls.RevokeCertURL(), acme.VerifyOptions{AllowEmbeddedJWK: true})
		if problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		if problem := engine.Certificates.Revoke(r.Context(), env); problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	r.Post(urls.triggerPath(), route("trigger", func(w http.ResponseWriter, r *http.Request) {
		handleTrigger(engine, logger)(w, r)
	}))

	return r
}

// verifyRequest decodes the request body as a flattened JWS and runs
// it through the envelope verifier.
func verifyRequest(r *http.Request, engine *acme.Engine, canonicalURL string, opts acme.VerifyOptions) (*acme.Envelope, *acme.Problem) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, acme.NewProblem(acme.ErrMalformed, "reading request body")
	}
	var jws acme.FlattenedJWS
	if err := json.Unmarshal(body, &jws); err != nil {
		return nil, acme.NewProblem(acme.ErrMalformed, "request body is not a flattened JWS")
	}
	return engine.Verifier.Verify(r.Context(), canonicalURL, jws, opts)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

// handleTrigger is the inbound CA callback: unlike every other
// mutating endpoint it is not JWS-signed, since the caller is the CA
// itself rather than an ACME client authenticating with an account
// key.
func handleTrigger(engine *acme.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeProblem(w, logger, acme.NewProblem(acme.ErrMalformed, "reading trigger body"))
			return
		}
		if problem := engine.Trigger.Handle(context.Background(), body); problem != nil {
			writeProblem(w, logger, problem)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
