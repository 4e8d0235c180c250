package www

import (
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"parley.chat/db"
	"parley.chat/etc"
	"parley.chat/transcript"
)

type Handler struct {
	archive *db.Archive
	logger  *log.Logger
}

func NewHandler(archive *db.Archive, logger *log.Logger) *Handler {
	return &Handler{
		archive: archive,
		logger:  logger,
	}
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	records, err := h.archive.RecentSessions(50)
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err.Error())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	tmpl := template.Must(template.New("sessions").Parse(`
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sessions</title>
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-100">
    <div class="container mx-auto px-4 py-8">
        <h1 class="text-3xl font-bold mb-6">Sessions</h1>
        <div class="space-y-4">
            {{range .}}
            <div class="bg-white shadow rounded-lg p-4">
                <p class="text-gray-600 text-sm">{{.StartedAt.Format "2006-01-02 15:04:05"}}</p>
                <p class="text-lg">
                    <a class="text-blue-600 hover:text-blue-800" href="/sessions/{{.ID}}">{{.ID}}</a>
                    with {{.AgentID}}
                </p>
                <p class="text-gray-600 text-sm">
                    {{.Utterances}} utterances
                    {{if .EndedAt}}&middot; ended {{.EndedAt.Format "15:04:05"}}{{end}}
                </p>
            </div>
            {{else}}
            <p>No archived sessions yet.</p>
            {{end}}
        </div>
    </div>
</body>
</html>
`))

	if err := tmpl.Execute(w, records); err != nil {
		h.logger.Error("failed to execute template", "error", err.Error())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	record, err := h.archive.Session(sessionID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	entries, err := h.archive.Entries(sessionID)
	if err != nil {
		h.logger.Error("failed to fetch transcript", "error", err.Error())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	type entryView struct {
		Clock   string
		Speaker string
		Text    string
		Final   bool
		User    bool
	}

	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, entryView{
			Clock:   etc.ClockStamp(entry.Timestamp),
			Speaker: string(entry.Speaker),
			Text:    entry.Text,
			Final:   entry.Final,
			User:    entry.Speaker == transcript.SpeakerUser,
		})
	}

	data := struct {
		Record  *db.SessionRecord
		Entries []entryView
	}{record, views}

	tmpl := template.Must(template.New("session").Parse(`
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Session {{.Record.ID}}</title>
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-100">
    <div class="container mx-auto px-4 py-8">
        <h1 class="text-3xl font-bold mb-2">Session {{.Record.ID}}</h1>
        <p class="text-gray-600 mb-1">Agent: {{.Record.AgentID}} &middot; Room: {{.Record.RoomName}}</p>
        <p class="text-gray-600 mb-6">
            Started {{.Record.StartedAt.Format "2006-01-02 15:04:05"}}
            {{if .Record.EndedAt}}&middot; Duration: {{.Record.EndedAt.Sub .Record.StartedAt}}{{end}}
            &middot; <a class="text-blue-600 hover:text-blue-800" href="/sessions/{{.Record.ID}}/transcript.txt">Download transcript</a>
        </p>
        <div class="space-y-2">
            {{range .Entries}}
            <div class="bg-white shadow rounded-lg p-3 {{if not .Final}}opacity-50 italic{{end}}">
                <span class="text-gray-500 text-sm">[{{.Clock}}]</span>
                <span class="font-bold {{if .User}}text-blue-700{{else}}text-emerald-700{{end}}">{{.Speaker}}</span>
                {{.Text}}
            </div>
            {{else}}
            <p>No utterances recorded.</p>
            {{end}}
        </div>
    </div>
</body>
</html>
`))

	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to execute template", "error", err.Error())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	record, err := h.archive.Session(sessionID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	entries, err := h.archive.Entries(sessionID)
	if err != nil {
		h.logger.Error("failed to fetch transcript", "error", err.Error())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	blob := []byte(transcript.Render(entries))
	filename := fmt.Sprintf("parley-transcript-%s.txt", etc.DayStamp(record.StartedAt))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))

	if _, err := w.Write(blob); err != nil {
		h.logger.Error("failed to write transcript to response", "error", err.Error())
	}
}
