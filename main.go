package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"parley.chat/config"
	"parley.chat/db"
	"parley.chat/etc"
	"parley.chat/llm"
	"parley.chat/provision"
	"parley.chat/session"
	"parley.chat/setup"
	"parley.chat/transcript"
	"parley.chat/transport"
	"parley.chat/ui"
	"parley.chat/www"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	talkCmd.Flags().
		Bool("plain", false, "Print finalized utterances to stdout instead of the full-screen view")
	rootCmd.AddCommand(talkCmd)
	rootCmd.AddCommand(listSessionsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(endCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(www.ServeCmd)

	// Add persistent flags
	rootCmd.PersistentFlags().
		String("backend-url", "", "Provisioning backend base URL")
	rootCmd.PersistentFlags().String("api-key", "", "Provisioning backend API key")
	rootCmd.PersistentFlags().String("agent", "", "Agent ID to talk to")
	rootCmd.PersistentFlags().
		String("participant-name", "", "Display name shown to the agent")
	rootCmd.PersistentFlags().
		String("db-path", "", "Path of the session archive database")
	rootCmd.PersistentFlags().
		Duration("connect-timeout", config.DefaultConnectTimeout, "How long to wait for the voice room")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")

	// Bind flags to viper
	viper.BindPFlag(
		config.KeyBackendURL,
		rootCmd.PersistentFlags().Lookup("backend-url"),
	)
	viper.BindPFlag(
		config.KeyAPIKey,
		rootCmd.PersistentFlags().Lookup("api-key"),
	)
	viper.BindPFlag(config.KeyAgentID, rootCmd.PersistentFlags().Lookup("agent"))
	viper.BindPFlag(
		config.KeyParticipantName,
		rootCmd.PersistentFlags().Lookup("participant-name"),
	)
	viper.BindPFlag(config.KeyDBPath, rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag(
		config.KeyConnectTimeout,
		rootCmd.PersistentFlags().Lookup("connect-timeout"),
	)
	viper.BindPFlag(
		config.KeyOpenAIAPIKey,
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
}

func initConfig() {
	if err := config.Init(); err != nil {
		fmt.Printf("Error reading config file: %s\n", err)
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley is a voice chat client for conversational AI agents",
	Long:  `Parley connects your microphone to a hosted AI agent through a realtime voice room and keeps a transcript of everything said.`,
}

var talkCmd = &cobra.Command{
	Use:   "talk [agentID]",
	Short: "Start a voice session with an agent",
	Args:  cobra.MaximumNArgs(1),
	Run:   runTalk,
}

var listSessionsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"sessions"},
	Short:   "List archived sessions in a cool table",
	Long:    `List all archived sessions with their details in a formatted table`,
	Run:     runListSessions,
}

var showCmd = &cobra.Command{
	Use:   "show [sessionID]",
	Short: "Print the transcript of an archived session",
	Args:  cobra.MaximumNArgs(1),
	Run:   runShow,
}

var exportCmd = &cobra.Command{
	Use:   "export [sessionID]",
	Short: "Export an archived transcript to a text file",
	Args:  cobra.MaximumNArgs(1),
	Run:   runExport,
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize [sessionID]",
	Short: "Summarize an archived session using OpenAI",
	Args:  cobra.MaximumNArgs(1),
	Run:   runSummarize,
}

var endCmd = &cobra.Command{
	Use:   "end <sessionID>",
	Short: "Release a session on the backend",
	Long:  `Ask the backend to release a session that was left running, for example after a crash`,
	Args:  cobra.ExactArgs(1),
	Run:   runEnd,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively configure Parley",
	Run: func(cmd *cobra.Command, args []string) {
		setup.RunSetup()
	},
}

func initArchive(dataLogger *log.Logger) (*db.Archive, error) {
	path := config.DBPath()
	if path == "" {
		return nil, fmt.Errorf(
			"archiving is disabled, run parley setup to enable it",
		)
	}
	return db.Open(path, dataLogger)
}

func runTalk(cmd *cobra.Command, args []string) {
	mainLogger, talkLogger, gateLogger, restLogger, dataLogger := createLoggers()

	backendURL := config.BackendURL()
	if backendURL == "" {
		mainLogger.Fatal("missing BACKEND_URL or --backend-url= (try parley setup)")
	}

	agentID := config.AgentID()
	if len(args) > 0 {
		agentID = args[0]
	}
	if agentID == "" {
		mainLogger.Fatal("missing AGENT_ID or --agent=")
	}

	var recorder session.Recorder = session.NoopRecorder{}
	if config.DBPath() != "" {
		archive, err := db.Open(config.DBPath(), dataLogger)
		if err != nil {
			mainLogger.Fatal("open session archive", "error", err.Error())
		}
		defer archive.Close()
		recorder = archive
	}

	plain, _ := cmd.Flags().GetBool("plain")

	sessionLogger := talkLogger
	if !plain {
		// The full-screen view owns the terminal; it shows session
		// activity in its own log pane instead.
		sessionLogger = log.New(io.Discard)
	}

	provisioner := provision.NewClient(backendURL, config.APIKey(), restLogger)
	gateway := transport.NewGateway(gateLogger)

	sess := session.New(provisioner, gateway, session.Options{
		AgentID:         agentID,
		ParticipantName: config.ParticipantName(),
		ConnectTimeout:  config.ConnectTimeout(),
		Recorder:        recorder,
		Logger:          sessionLogger,
	})

	if plain {
		runPlainTalk(mainLogger, sess, agentID)
		return
	}

	if err := ui.Run(sess, agentID); err != nil {
		mainLogger.Fatal("run talk view", "error", err.Error())
	}
}

func runPlainTalk(mainLogger *log.Logger, sess *session.Session, agentID string) {
	if err := sess.Start(context.Background(), agentID); err != nil {
		mainLogger.Fatal("start session", "error", err.Error())
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)

	seen := 0
	for {
		select {
		case <-sc:
			ctx, cancel := context.WithTimeout(
				context.Background(),
				15*time.Second,
			)
			sess.Stop(ctx)
			cancel()
			return

		case <-sess.Changed():
			snap := sess.Snapshot()
			if seen > len(snap.Entries) {
				seen = len(snap.Entries)
			}
			for _, entry := range snap.Entries[seen:] {
				if entry.Final {
					fmt.Printf(
						"[%s] %s: %s\n",
						etc.ClockStamp(entry.Timestamp),
						entry.Speaker,
						entry.Text,
					)
				}
			}
			seen = len(snap.Entries)

			if snap.State == session.StateError {
				mainLogger.Fatal(snap.Notice)
			}
			if snap.State == session.StateIdle {
				mainLogger.Info("Session ended")
				return
			}
		}
	}
}

func runListSessions(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _, dataLogger := createLoggers()

	archive, err := initArchive(dataLogger)
	if err != nil {
		mainLogger.Fatal("open session archive", "error", err.Error())
	}
	defer archive.Close()

	sessions, err := archive.RecentSessions(100)
	if err != nil {
		mainLogger.Fatal("fetch sessions", "error", err.Error())
	}

	if len(sessions) == 0 {
		fmt.Println("No archived sessions found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Started At", "Agent", "Room", "Duration", "Utterances"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, record := range sessions {
		startedAt := record.StartedAt.Format("2006-01-02 15:04:05")
		duration := "open"
		if record.EndedAt != nil {
			duration = record.EndedAt.Sub(record.StartedAt).
				Round(time.Second).
				String()
		}

		table.Append([]string{
			record.ID,
			startedAt,
			record.AgentID,
			record.RoomName,
			duration,
			fmt.Sprintf("%d", record.Utterances),
		})
	}

	table.Render()
}

// resolveSessionID takes the session ID from the command line when one
// was given and falls back to an interactive picker otherwise.
func resolveSessionID(
	mainLogger *log.Logger,
	archive *db.Archive,
	args []string,
) string {
	if len(args) > 0 {
		return args[0]
	}

	sessions, err := archive.RecentSessions(100)
	if err != nil {
		mainLogger.Fatal("fetch sessions", "error", err.Error())
	}

	if len(sessions) == 0 {
		mainLogger.Fatal("no archived sessions found")
	}

	sessionOptions := make([]huh.Option[string], len(sessions))
	for i, record := range sessions {
		sessionOptions[i] = huh.NewOption(
			fmt.Sprintf(
				"%s (%s) - %d utterances",
				record.ID,
				record.StartedAt.Format(time.RFC3339),
				record.Utterances,
			),
			record.ID,
		)
	}

	var selectedID string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Choose a session").
				Options(sessionOptions...).
				Value(&selectedID),
		),
	)

	if err := form.Run(); err != nil {
		mainLogger.Fatal("form input", "error", err.Error())
	}

	return selectedID
}

func runShow(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _, dataLogger := createLoggers()

	archive, err := initArchive(dataLogger)
	if err != nil {
		mainLogger.Fatal("open session archive", "error", err.Error())
	}
	defer archive.Close()

	sessionID := resolveSessionID(mainLogger, archive, args)

	entries, err := archive.Entries(sessionID)
	if err != nil {
		mainLogger.Fatal("fetch transcript", "error", err.Error())
	}

	rendered := transcript.Render(entries)
	if rendered == "" {
		fmt.Println("No finalized utterances in this session.")
		return
	}

	fmt.Println(rendered)
}

func runExport(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _, dataLogger := createLoggers()

	archive, err := initArchive(dataLogger)
	if err != nil {
		mainLogger.Fatal("open session archive", "error", err.Error())
	}
	defer archive.Close()

	sessionID := resolveSessionID(mainLogger, archive, args)

	record, err := archive.Session(sessionID)
	if err != nil {
		mainLogger.Fatal("fetch session", "error", err.Error())
	}

	entries, err := archive.Entries(sessionID)
	if err != nil {
		mainLogger.Fatal("fetch transcript", "error", err.Error())
	}

	rendered := transcript.Render(entries)
	if rendered == "" {
		mainLogger.Fatal("no finalized utterances in this session")
	}

	outputFileName := fmt.Sprintf(
		"parley-transcript-%s.txt",
		etc.DayStamp(record.StartedAt),
	)
	err = os.WriteFile(outputFileName, []byte(rendered+"\n"), 0644)
	if err != nil {
		mainLogger.Fatal("write transcript file", "error", err.Error())
	}

	fmt.Printf("Transcript file generated: %s\n", outputFileName)
}

func runSummarize(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _, dataLogger := createLoggers()

	archive, err := initArchive(dataLogger)
	if err != nil {
		mainLogger.Fatal("open session archive", "error", err.Error())
	}
	defer archive.Close()

	// Get OpenAI API key
	openaiAPIKey := config.OpenAIAPIKey()
	if openaiAPIKey == "" {
		mainLogger.Fatal("missing OPENAI_API_KEY or --openai-api-key=")
	}

	sessionID := resolveSessionID(mainLogger, archive, args)

	entries, err := archive.Entries(sessionID)
	if err != nil {
		mainLogger.Fatal("fetch transcript", "error", err.Error())
	}

	languageModel := llm.NewOpenAILanguageModel(openaiAPIKey)
	summaryChan, err := llm.Summarize(
		context.Background(),
		languageModel,
		entries,
	)
	if err != nil {
		mainLogger.Fatal(
			"failed to start summary generation",
			"error",
			err.Error(),
		)
	}

	for chunk := range summaryChan {
		if chunk.Err != nil {
			mainLogger.Fatal(
				"summary stream failed",
				"error",
				chunk.Err.Error(),
			)
		}
		fmt.Print(chunk.Content)
	}
	fmt.Println()
}

func runEnd(cmd *cobra.Command, args []string) {
	mainLogger, _, _, restLogger, _ := createLoggers()

	backendURL := config.BackendURL()
	if backendURL == "" {
		mainLogger.Fatal("missing BACKEND_URL or --backend-url= (try parley setup)")
	}

	client := provision.NewClient(backendURL, config.APIKey(), restLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.EndSession(ctx, args[0]); err != nil {
		mainLogger.Fatal("end session", "error", err.Error())
	}

	mainLogger.Info("Session released", "session_id", args[0])
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func createLoggers() (mainLogger, talkLogger, gateLogger, restLogger, dataLogger *log.Logger) {
	logLevel := log.DebugLevel

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	talkLogger = logger.With().WithPrefix("talk")
	gateLogger = logger.With().WithPrefix("gate")
	restLogger = logger.With().WithPrefix("rest")
	dataLogger = logger.With().WithPrefix("data")

	return
}
