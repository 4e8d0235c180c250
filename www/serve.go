package www

import (
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"parley.chat/config"
	"parley.chat/db"
)

var (
	Router *chi.Mux
)

func init() {
	Router = chi.NewRouter()
	Router.Use(middleware.Logger)
	Router.Use(middleware.Recoverer)
}

// Serve mounts the archive browser on Router and serves it.
func Serve(port int, archive *db.Archive, logger *log.Logger) error {
	handler := NewHandler(archive, logger)

	Router.Get("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/sessions", http.StatusFound)
	})
	Router.Get("/sessions", handler.handleSessions)
	Router.Get("/sessions/{sessionID}", handler.handleSession)
	Router.Get("/sessions/{sessionID}/transcript.txt", handler.handleDownload)

	log.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), Router)
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Browse archived sessions over HTTP",
	Long:  `This command starts an HTTP server for browsing and downloading archived conversation transcripts.`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = config.Port()
		}

		path := config.DBPath()
		if path == "" {
			log.Fatal("Archiving is disabled, nothing to serve (run setup to enable it)")
		}

		archive, err := db.Open(path, log.Default().WithPrefix("data"))
		if err != nil {
			log.Fatal("Failed to open archive", "error", err)
		}
		defer archive.Close()

		if err := Serve(port, archive, log.Default().WithPrefix("www")); err != nil {
			log.Fatal("Failed to start server", "error", err)
		}
	},
}

func init() {
	ServeCmd.Flags().IntP("port", "p", 8080, "Port to run the HTTP server on")
}
