package main

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxdrive/flux/internal/directory"
	"github.com/fluxdrive/flux/internal/hub"
	"github.com/fluxdrive/flux/internal/identity"
	"github.com/fluxdrive/flux/internal/logger"
)

var (
	addr       string
	dbPath     string
	idpURL     string
	tokensPath string
)

var rootCmd = &cobra.Command{
	Use:  `flux-hub`,
	Long: `flux-hub runs the Flux signaling hub: peers authenticate over WebSocket, discover each other by connect code, and negotiate direct file transfers through it`,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()

		db, err := directory.NewDB(dbPath)
		if err != nil {
			log.Fatalf("opening directory database: %v", err)
			return
		}

		verifier, err := buildVerifier()
		if err != nil {
			log.Fatal(err)
			return
		}

		h := hub.New(hub.Config{
			Verifier:  verifier,
			Directory: directory.NewStore(db),
			Logger:    log,
		})

		mux := http.NewServeMux()
		mux.HandleFunc("/flux", h.ServeWS)

		log.Infof("flux hub listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatal(err)
		}
	},
}

// buildVerifier picks the identity backend: a remote provider when
// --idp is set, otherwise a static token file.
func buildVerifier() (identity.Verifier, error) {
	if idpURL != "" {
		return identity.NewHTTPVerifier(idpURL), nil
	}

	data, err := os.ReadFile(tokensPath)
	if err != nil {
		return nil, err
	}
	var tokens map[string]identity.Identity
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, err
	}
	return identity.NewStaticVerifier(tokens), nil
}

func main() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8924", "listen address")
	rootCmd.Flags().StringVar(&dbPath, "db", "flux.sqlite3", "directory database path")
	rootCmd.Flags().StringVar(&idpURL, "idp", "", "identity provider verify URL")
	rootCmd.Flags().StringVar(&tokensPath, "tokens", "tokens.json", "static token file (used when --idp is unset)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
