/******************************************************************************
 *
 *  Description :
 *
 *    Web server initialization and shutdown.
 *
 *****************************************************************************/

package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chitchat/chat/server/logs"

	"golang.org/x/crypto/acme/autocert"
)

// TLSConfig is the TLS configuration of the HTTP server.
type TLSConfig struct {
	// Flag enabling TLS.
	Enabled bool `json:"enabled"`
	// Listen on port 80 and redirect plain HTTP to HTTPS.
	RedirectHTTP string `json:"http_redirect"`
	// Enable Strict-Transport-Security by setting max_age > 0.
	StrictMaxAge int `json:"strict_max_age"`
	// ACME autocert config, e.g. letsencrypt.org.
	Autocert *TLSAutocertConfig `json:"autocert"`
	// If Autocert is not defined, provide file names of static certificate and key.
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// TLSAutocertConfig is the ACME autocert configuration.
type TLSAutocertConfig struct {
	// Domains to support by autocert.
	Domains []string `json:"domains"`
	// Name of the directory where auto-certificates are cached.
	CertCache string `json:"cache"`
	// Contact email for letsencrypt.
	Email string `json:"email"`
}

func listenAndServe(addr string, mux http.Handler, jsonconf json.RawMessage, stop <-chan bool) error {
	var tlsConfig TLSConfig
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &tlsConfig); err != nil {
			return errors.New("http: failed to parse tls config: " + err.Error())
		}
	}

	shuttingDown := false
	httpdone := make(chan bool)

	server := &http.Server{Addr: addr, Handler: mux}
	if tlsConfig.Enabled {
		if tlsConfig.StrictMaxAge > 0 {
			globals.tlsStrictMaxAge = strconv.Itoa(tlsConfig.StrictMaxAge)
		}

		// If the port is not specified, use the default https port.
		if server.Addr == "" {
			server.Addr = ":https"
		}

		server.TLSConfig = &tls.Config{}
		if tlsConfig.Autocert != nil {
			certManager := autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(tlsConfig.Autocert.Domains...),
				Cache:      autocert.DirCache(tlsConfig.Autocert.CertCache),
				Email:      tlsConfig.Autocert.Email,
			}

			server.TLSConfig.GetCertificate = certManager.GetCertificate
			if tlsConfig.CertFile != "" || tlsConfig.KeyFile != "" {
				logs.Warn.Println("http: using autocert, static cert and key files are ignored")
				tlsConfig.CertFile = ""
				tlsConfig.KeyFile = ""
			}
		} else if tlsConfig.CertFile == "" || tlsConfig.KeyFile == "" {
			return errors.New("http: missing certificate or key file names")
		}
	}

	go func() {
		var err error
		if tlsConfig.Enabled {
			if tlsConfig.RedirectHTTP != "" {
				logs.Info.Printf("Redirecting connections from HTTP at [%s] to HTTPS at [%s]",
					tlsConfig.RedirectHTTP, server.Addr)
				go http.ListenAndServe(tlsConfig.RedirectHTTP, tlsRedirect(addr))
			}

			logs.Info.Printf("Listening for client HTTPS connections on [%s]", server.Addr)
			err = server.ListenAndServeTLS(tlsConfig.CertFile, tlsConfig.KeyFile)
		} else {
			logs.Info.Printf("Listening for client HTTP connections on [%s]", server.Addr)
			err = server.ListenAndServe()
		}
		if err != nil {
			if shuttingDown {
				logs.Info.Println("HTTP server: stopped")
			} else {
				logs.Err.Println("HTTP server: failed", err)
			}
		}
		httpdone <- true
	}()

	// Wait for either a termination signal or an error.
loop:
	for {
		select {
		case <-stop:
			// Flip the flag that we are terminating and close the Accept-ing
			// socket, so no new connections are possible.
			shuttingDown = true
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := server.Shutdown(ctx); err != nil {
				// Failure/timeout shutting down the server gracefully.
				logs.Err.Println("HTTP server failed to terminate gracefully", err)
			}
			cancel()

			// Wait for the http server to stop Accept()-ing connections.
			<-httpdone

			// Terminate all sessions.
			globals.sessionStore.Shutdown()

			// Stop publishing stats.
			statsShutdown()

			break loop

		case <-httpdone:
			break loop
		}
	}
	return nil
}

// signalHandler converts SIGINT/SIGTERM to a termination request and SIGHUP to
// a reload of the serializer overrides from the config file.
func signalHandler(configfile string) <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range signchan {
			if sig == syscall.SIGHUP {
				logs.Info.Println("SIGHUP received, reloading serializer overrides")
				if err := reloadSerializers(configfile); err != nil {
					logs.Err.Println("Failed to reload serializer overrides:", err)
				}
				continue
			}
			logs.Info.Printf("Signal received: '%s', shutting down", sig)
			stop <- true
			return
		}
	}()

	return stop
}

// hstsHandler is a wrapper for http.Handler which optionally adds a
// Strict-Transport-Security header to the response.
func hstsHandler(handler http.Handler) http.Handler {
	if globals.tlsStrictMaxAge != "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Strict-Transport-Security", "max-age="+globals.tlsStrictMaxAge)
			handler.ServeHTTP(w, r)
		})
	}
	return handler
}

func serve404(wrt http.ResponseWriter, req *http.Request) {
	writeJSON(wrt, http.StatusNotFound,
		&ServerComMessage{NonFieldErrors: []string{"Not found."}})
}

// tlsRedirect redirects HTTP requests to HTTPS.
func tlsRedirect(toPort string) http.HandlerFunc {
	if toPort == ":443" || toPort == ":https" {
		toPort = ""
	}
	return func(wrt http.ResponseWriter, req *http.Request) {
		target := "https://" + strings.Split(req.Host, ":")[0] + toPort + req.URL.Path
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		http.Redirect(wrt, req, target, http.StatusTemporaryRedirect)
	}
}
