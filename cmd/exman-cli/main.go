package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"time"

	"exman/internal/event"
	"exman/internal/ipc"

	sqlitestore "exman/internal/storage/sqlite"

	"github.com/spf13/cobra"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "exman-cli",
	Short: "CLI tool to interact with the ExMan daemon",
	Long:  `A command-line interface to send commands (starting and scheduling focus sessions, managing services) to the running ExMan daemon via its Unix socket.`,
}

// --- Client Helper Functions ---

func sendCommand(cmd ipc.Command) {
	conn, err := net.DialTimeout("unix", ipc.SocketPath, 2*time.Second)
	if err != nil {
		log.Fatalf("Error connecting to daemon socket (%s): %v\nIs the ExMan daemon running?", ipc.SocketPath, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	encoder := json.NewEncoder(conn)
	decoder := json.NewDecoder(conn)

	if err := encoder.Encode(cmd); err != nil {
		log.Fatalf("Error sending command: %v", err)
	}

	var resp ipc.Response
	if err := decoder.Decode(&resp); err != nil {
		log.Fatalf("Error receiving response: %v", err)
	}

	if resp.Success {
		fmt.Println("Success:", resp.Message)
		if resp.Data != nil {
			prettyData, err := json.MarshalIndent(resp.Data, "", "  ")
			if err == nil {
				fmt.Println("Data:")
				fmt.Println(string(prettyData))
			} else {
				fmt.Println("Data (raw):", resp.Data)
			}
		}
	} else {
		if resp.Error != "" {
			fmt.Fprintf(os.Stderr, "Error (%s): %s\n", resp.Error, resp.Message)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", resp.Message)
		}
		os.Exit(1)
	}
}

// parseWhen accepts epoch milliseconds, RFC 3339, or a duration
// offset like "+30m" relative to now.
func parseWhen(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	if len(s) > 1 && s[0] == '+' {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid duration offset %q: %w", s, err)
		}
		return time.Now().Add(d).UnixMilli(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (use epoch ms, RFC 3339, or +duration): %w", s, err)
	}
	return t.UnixMilli(), nil
}

// --- Command Definitions ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if the ExMan daemon is running",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdPing})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get the current focus and service status from the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdGetStatus})
	},
}

// Focus Command Group
var focusCmd = &cobra.Command{
	Use:   "focus",
	Short: "Control focus sessions",
}

var focusStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a focus session now (omit --end for an open-ended session)",
	Run: func(cmd *cobra.Command, args []string) {
		endStr, _ := cmd.Flags().GetString("end")
		end, err := parseWhen(endStr)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		sendCommand(ipc.Command{
			Name: ipc.CmdStartFocus,
			Args: ipc.StartFocusArgs{StartTime: time.Now().UnixMilli(), EndTime: end},
		})
	},
}

var focusScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule a future focus session",
	Run: func(cmd *cobra.Command, args []string) {
		startStr, _ := cmd.Flags().GetString("start")
		endStr, _ := cmd.Flags().GetString("end")
		if startStr == "" || endStr == "" {
			log.Fatal("Error: --start and --end are required")
		}
		start, err := parseWhen(startStr)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		end, err := parseWhen(endStr)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		sendCommand(ipc.Command{
			Name: ipc.CmdScheduleFocus,
			Args: ipc.ScheduleFocusArgs{StartTime: start, EndTime: end},
		})
	},
}

var focusEndCmd = &cobra.Command{
	Use:   "end",
	Short: "End the current focus session",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdEndFocus})
	},
}

var focusCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a scheduled focus session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{
			Name: ipc.CmdCancelScheduled,
			Args: ipc.CancelScheduledArgs{SessionID: args[0]},
		})
	},
}

var focusGoalsCmd = &cobra.Command{
	Use:   "goals <goal>...",
	Short: "Set the goals of the running focus session",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{
			Name: ipc.CmdSetGoals,
			Args: ipc.SetGoalsArgs{Goals: args},
		})
	},
}

var focusRateCmd = &cobra.Command{
	Use:   "rate <rating>",
	Short: "Rate the previous (most recently ended) focus session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rating, err := strconv.Atoi(args[0])
		if err != nil {
			log.Fatalf("Error: rating must be a number: %v", err)
		}
		sendCommand(ipc.Command{
			Name: ipc.CmdSetRating,
			Args: ipc.SetRatingArgs{Rating: rating},
		})
	},
}

// Service Command Group
var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage hosted messaging services",
}

var serviceAddCmd = &cobra.Command{
	Use:   "add <kind>",
	Short: "Add a messaging service (slack, whatsapp, teams)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{
			Name: ipc.CmdAddService,
			Args: ipc.AddServiceArgs{Kind: event.ServiceKind(args[0])},
		})
	},
}

var serviceRemoveCmd = &cobra.Command{
	Use:   "remove <service-id>",
	Short: "Remove a messaging service",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{
			Name: ipc.CmdDeleteService,
			Args: ipc.DeleteServiceArgs{ServiceID: args[0]},
		})
	},
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all services and their status",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdListServices})
	},
}

var serviceAutoResponseCmd = &cobra.Command{
	Use:   "autoresponse <service-id>",
	Short: "Toggle auto-response for a service",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{
			Name: ipc.CmdToggleAutoResponse,
			Args: ipc.ToggleAutoResponseArgs{ServiceID: args[0]},
		})
	},
}

// Settings Command Group
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or update daemon settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the persisted settings",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdGetSettings})
	},
}

var settingsDurationsCmd = &cobra.Command{
	Use:   "durations",
	Short: "Update the focus duration shortcuts (minutes)",
	Run: func(cmd *cobra.Command, args []string) {
		short, _ := cmd.Flags().GetInt("short")
		medium, _ := cmd.Flags().GetInt("medium")
		long, _ := cmd.Flags().GetInt("long")
		sendCommand(ipc.Command{
			Name: ipc.CmdUpdateSettings,
			Args: ipc.UpdateSettingsArgs{
				ShortFocusDuration:  short,
				MediumFocusDuration: medium,
				LongFocusDuration:   long,
			},
		})
	},
}

var settingsMessageCmd = &cobra.Command{
	Use:   "message <text>",
	Short: "Update the auto-response message",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{
			Name: ipc.CmdUpdateAutoResponse,
			Args: ipc.UpdateAutoResponseArgs{Message: args[0]},
		})
	},
}

// --- Report ---

type sessionReport struct {
	ID            string
	Start         string
	Duration      string
	Aborted       bool
	Rating        int
	Goals         []string
	Notifications int
	BarWidth      int
}

type reportData struct {
	GeneratedAt    string
	Sessions       []sessionReport
	TotalFocusTime string
	AbortedCount   int
}

const reportTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>ExMan Focus Report</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #ddd; }
.bar { background: #4a90d9; height: 12px; }
.aborted { color: #b00; }
</style>
</head>
<body>
<h1>Focus Report</h1>
<p>Generated {{.GeneratedAt}} &mdash; total focus time {{.TotalFocusTime}}, {{.AbortedCount}} session(s) aborted early.</p>
<table>
<tr><th>Started</th><th>Duration</th><th></th><th>Rating</th><th>Goals</th><th>Suppressed</th></tr>
{{range .Sessions}}
<tr{{if .Aborted}} class="aborted"{{end}}>
<td>{{.Start}}</td>
<td>{{.Duration}}{{if .Aborted}} (aborted){{end}}</td>
<td><div class="bar" style="width: {{.BarWidth}}px"></div></td>
<td>{{if .Rating}}{{.Rating}}{{else}}&ndash;{{end}}</td>
<td>{{range .Goals}}{{.}}<br>{{end}}</td>
<td>{{.Notifications}}</td>
</tr>
{{end}}
</table>
</body>
</html>
`

func openBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start"}
	case "darwin":
		cmd = "open"
	default:
		cmd = "xdg-open"
	}
	args = append(args, url)
	return exec.Command(cmd, args...).Start()
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate an HTML report of past focus sessions",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			log.Fatalf("Error: Database file not found at %s. Ensure the exman daemon has run or specify a path with --db.", dbPath)
		} else if err != nil {
			log.Fatalf("Error accessing database file %s: %v", dbPath, err)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		outputFile, _ := cmd.Flags().GetString("output")
		openReport, _ := cmd.Flags().GetBool("open")

		store := sqlitestore.NewSQLiteStore(dbPath)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.Init(ctx); err != nil {
			log.Fatalf("Failed to initialize storage connection: %v", err)
		}
		defer store.Close()

		sessions, err := store.GetPastFocusSessions(ctx)
		if err != nil {
			log.Fatalf("Failed to fetch sessions: %v", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No past focus sessions found.")
			return
		}

		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].StartTime < sessions[j].StartTime
		})

		var data reportData
		data.GeneratedAt = time.Now().Format("2006-01-02 15:04")
		var total time.Duration
		var longest time.Duration
		for _, fs := range sessions {
			d := time.Duration(fs.EndTime-fs.StartTime) * time.Millisecond
			if d > longest {
				longest = d
			}
		}
		for _, fs := range sessions {
			d := time.Duration(fs.EndTime-fs.StartTime) * time.Millisecond
			total += d
			width := 0
			if longest > 0 {
				width = int(300 * d / longest)
			}
			if fs.Aborted() {
				data.AbortedCount++
			}
			data.Sessions = append(data.Sessions, sessionReport{
				ID:            fs.ID,
				Start:         time.UnixMilli(fs.StartTime).Format("2006-01-02 15:04"),
				Duration:      d.Round(time.Minute).String(),
				Aborted:       fs.Aborted(),
				Rating:        fs.Rating,
				Goals:         fs.Goals,
				Notifications: len(fs.Notifications),
				BarWidth:      width,
			})
		}
		data.TotalFocusTime = total.Round(time.Minute).String()

		tmpl, err := template.New("report").Parse(reportTemplate)
		if err != nil {
			log.Fatalf("Failed to parse report template: %v", err)
		}
		out, err := os.Create(outputFile)
		if err != nil {
			log.Fatalf("Failed to create output file %s: %v", outputFile, err)
		}
		defer out.Close()
		if err := tmpl.Execute(out, data); err != nil {
			log.Fatalf("Failed to render report: %v", err)
		}

		fmt.Printf("Report written to %s (%d sessions)\n", outputFile, len(data.Sessions))
		if openReport {
			if err := openBrowser(outputFile); err != nil {
				log.Printf("Could not open browser: %v", err)
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "exman.db", "Path to the exman SQLite database (report only)")

	focusStartCmd.Flags().String("end", "", "End time (epoch ms, RFC 3339, or +duration like +45m)")
	focusScheduleCmd.Flags().String("start", "", "Start time (epoch ms, RFC 3339, or +duration)")
	focusScheduleCmd.Flags().String("end", "", "End time (epoch ms, RFC 3339, or +duration)")
	focusCmd.AddCommand(focusStartCmd, focusScheduleCmd, focusEndCmd, focusCancelCmd, focusGoalsCmd, focusRateCmd)

	serviceCmd.AddCommand(serviceAddCmd, serviceRemoveCmd, serviceListCmd, serviceAutoResponseCmd)

	settingsDurationsCmd.Flags().Int("short", 0, "Short focus duration in minutes")
	settingsDurationsCmd.Flags().Int("medium", 0, "Medium focus duration in minutes")
	settingsDurationsCmd.Flags().Int("long", 0, "Long focus duration in minutes")
	settingsCmd.AddCommand(settingsGetCmd, settingsDurationsCmd, settingsMessageCmd)

	reportCmd.Flags().String("output", "exman_report.html", "Output HTML file")
	reportCmd.Flags().Bool("open", false, "Open the report in a browser")

	rootCmd.AddCommand(pingCmd, statusCmd, focusCmd, serviceCmd, settingsCmd, reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
