package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"golang.org/x/oauth2"
)

// Scopes requested for Google accounts.
var Scopes = []string{"https://www.googleapis.com/auth/calendar"}

// AuthFlow runs the OAuth authorization code flow with a loopback redirect:
// a temporary localhost server receives the code after the user consents in
// the browser.
type AuthFlow struct {
	Config *oauth2.Config
	// Out receives the consent URL and progress messages.
	Out io.Writer
	// Listener overrides the random 127.0.0.1 port.
	Listener net.Listener
	// State overrides the random CSRF state.
	State string
	// OpenBrowser launches the system browser on the consent URL.
	OpenBrowser bool
	// OnAuthURL is called with the consent URL before waiting.
	OnAuthURL func(string)
}

// Run waits for the redirect and exchanges the code for a token.
func (f *AuthFlow) Run(ctx context.Context) (*oauth2.Token, error) {
	listener := f.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("listen on localhost: %w", err)
		}
	}
	defer listener.Close()

	state := f.State
	if state == "" {
		b := make([]byte, 16)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate state: %w", err)
		}
		state = hex.EncodeToString(b)
	}

	cfg := *f.Config
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d", listener.Addr().(*net.TCPAddr).Port)

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	if f.Out != nil {
		fmt.Fprintf(f.Out, "\nAuthorize calhub in your browser. If it does not open, visit:\n\n  %s\n\n", authURL)
	}
	if f.OnAuthURL != nil {
		f.OnAuthURL(authURL)
	}
	if f.OpenBrowser {
		openBrowser(authURL)
	}

	type result struct {
		code string
		err  error
	}
	ch := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res result
		switch {
		case q.Get("error") != "":
			http.Error(w, "Authorization denied: "+q.Get("error"), http.StatusForbidden)
			res.err = fmt.Errorf("authorization denied: %s", q.Get("error"))
		case q.Get("state") != state:
			http.Error(w, "Invalid state parameter", http.StatusBadRequest)
			res.err = fmt.Errorf("state mismatch")
		case q.Get("code") == "":
			http.Error(w, "No authorization code", http.StatusBadRequest)
			res.err = fmt.Errorf("no authorization code in callback")
		default:
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><body><h2>calhub is authorized.</h2><p>You can close this tab.</p></body></html>")
			res.code = q.Get("code")
		}
		select {
		case ch <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(listener)

	var res result
	select {
	case <-ctx.Done():
		srv.Close()
		return nil, ctx.Err()
	case res = <-ch:
	}

	// Shutdown rather than Close so the browser gets the response.
	shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)

	if res.err != nil {
		return nil, res.err
	}
	tok, err := cfg.Exchange(ctx, res.code)
	if err != nil {
		return nil, fmt.Errorf("exchange code for token: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("token endpoint returned no refresh token")
	}
	if f.Out != nil {
		fmt.Fprintln(f.Out, "Authorization successful.")
	}
	return tok, nil
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	default:
		return
	}
	cmd.Start()
}
