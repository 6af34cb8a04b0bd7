package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"exman/internal/config"
	"exman/internal/event"
	"exman/internal/focus"
	"exman/internal/ipc"
	"exman/internal/notify"
	"exman/internal/service"
	"exman/internal/storage"

	sqlitestore "exman/internal/storage/sqlite"
)

type App struct {
	cfg        *config.Config
	storage    storage.Storage
	bridge     *ShellBridge
	registry   *service.Registry
	controller *focus.Controller
	router     *notify.Router

	socketPath string
	listener   *net.UnixListener

	updateChan chan interface{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// latest service snapshot for status queries
	statusMutex sync.RWMutex
	lastStatus  []event.ServiceSnapshot
}

func NewApp(cfg *config.Config) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		cfg:        cfg,
		socketPath: ipc.SocketPath,
		updateChan: make(chan interface{}, 100),
		ctx:        ctx,
		cancel:     cancel,
	}

	// Initialize Storage
	a.storage = sqlitestore.NewSQLiteStore(cfg.DatabasePath)
	if err := a.storage.Init(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := a.seedSettings(ctx); err != nil {
		cancel()
		return nil, err
	}

	// The shell bridge is the hosted-view scripting boundary; the
	// hosting shell attaches over the socket once it is up.
	a.bridge = NewShellBridge()

	a.registry = service.NewRegistry(a.storage, a.bridge, cfg.ProbeInterval())
	if err := a.registry.Init(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.controller = focus.NewController(a.storage, a.registry, a.updateChan, cfg.AutoResponseMessage)
	a.router = notify.NewRouter(a.controller, a.storage, a.updateChan)

	return a, nil
}

// seedSettings writes the config defaults into the settings row the
// first time the daemon runs against a store.
func (a *App) seedSettings(ctx context.Context) error {
	set, err := a.storage.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	if set != nil {
		return nil
	}
	return a.storage.SaveSettings(ctx, &storage.Settings{
		ShortFocusDuration:  a.cfg.Focus.ShortMinutes,
		MediumFocusDuration: a.cfg.Focus.MediumMinutes,
		LongFocusDuration:   a.cfg.Focus.LongMinutes,
		AutoResponseMessage: a.cfg.AutoResponseMessage,
	})
}

// setupSocket checks for an existing socket and creates the listener.
func (a *App) setupSocket() error {
	if _, err := os.Stat(a.socketPath); err == nil {
		conn, err := net.DialTimeout("unix", a.socketPath, 1*time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("socket %s already active, another instance might be running", a.socketPath)
		}
		log.Printf("Stale socket file found at %s, removing.", a.socketPath)
		if err := os.Remove(a.socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket file %s: %w", a.socketPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("error checking socket file %s: %w", a.socketPath, err)
	}

	addr, err := net.ResolveUnixAddr("unix", a.socketPath)
	if err != nil {
		return fmt.Errorf("failed to resolve unix addr %s: %w", a.socketPath, err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", a.socketPath, err)
	}

	a.listener = listener
	log.Printf("Listening for commands on %s", a.socketPath)
	return nil
}

// listenForCommands accepts connections and handles them.
func (a *App) listenForCommands() {
	defer a.wg.Done()
	defer log.Println("Socket command listener stopped.")

	for {
		conn, err := a.listener.AcceptUnix()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
				log.Printf("Failed to accept connection: %v", err)
				if ne, ok := err.(net.Error); ok && !ne.Temporary() {
					log.Printf("Non-temporary accept error, stopping listener.")
					return
				}
				time.Sleep(100 * time.Millisecond)
			}
			continue
		}
		a.wg.Add(1)
		go a.handleConnection(conn)
	}
}

// handleConnection reads a command, processes it and sends a response.
// An attach_shell command hands the connection over to the bridge
// instead of closing it.
func (a *App) handleConnection(conn *net.UnixConn) {
	defer conn.Close()
	defer a.wg.Done()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var cmd ipc.Command
	if err := decoder.Decode(&cmd); err != nil {
		if err != io.EOF {
			log.Printf("Failed to decode command: %v", err)
		}
		_ = encoder.Encode(ipc.Response{Success: false, Message: "Failed to decode command: " + err.Error()})
		return
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	log.Printf("Received command: %s", cmd.Name)

	if cmd.Name == ipc.CmdAttachShell {
		if err := encoder.Encode(ipc.Response{Success: true, Message: "shell attached"}); err != nil {
			log.Printf("Failed to acknowledge shell attach: %v", err)
			return
		}
		conn.SetWriteDeadline(time.Time{})
		a.bridge.Attach(conn)
		return
	}

	response := a.processCommand(cmd)
	if err := encoder.Encode(response); err != nil {
		log.Printf("Failed to send response: %v", err)
	}
}

// processCommand routes the command to the correct handler.
func (a *App) processCommand(cmd ipc.Command) ipc.Response {
	ctx := a.ctx

	switch cmd.Name {
	case ipc.CmdPing:
		return ipc.Response{Success: true, Message: "pong"}

	case ipc.CmdStartFocus:
		var args ipc.StartFocusArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		if args.StartTime == 0 {
			args.StartTime = time.Now().UnixMilli()
		}
		if err := a.controller.Start(ctx, args.StartTime, args.EndTime); err != nil {
			return focusFailure(err)
		}
		return ipc.Response{Success: true, Message: "Focus session started"}

	case ipc.CmdScheduleFocus:
		var args ipc.ScheduleFocusArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		id, err := a.controller.Schedule(ctx, args.StartTime, args.EndTime)
		if err != nil {
			return focusFailure(err)
		}
		return ipc.Response{Success: true, Message: "Focus session scheduled", Data: map[string]string{"sessionId": id}}

	case ipc.CmdEndFocus:
		if err := a.controller.End(ctx); err != nil {
			return focusFailure(err)
		}
		return ipc.Response{Success: true, Message: "Focus session ended"}

	case ipc.CmdCancelScheduled:
		var args ipc.CancelScheduledArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		if err := a.controller.CancelScheduled(ctx, args.SessionID); err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		return ipc.Response{Success: true, Message: "Scheduled session cancelled"}

	case ipc.CmdSetGoals:
		var args ipc.SetGoalsArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		if err := a.controller.SetGoals(ctx, args.Goals); err != nil {
			return focusFailure(err)
		}
		return ipc.Response{Success: true, Message: "Goals updated"}

	case ipc.CmdSetRating:
		var args ipc.SetRatingArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		if err := a.controller.SetRating(ctx, args.Rating); err != nil {
			return focusFailure(err)
		}
		return ipc.Response{Success: true, Message: "Rating stored"}

	case ipc.CmdAddService:
		var args ipc.AddServiceArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		if !event.ValidKind(args.Kind) {
			return ipc.Response{Success: false, Message: fmt.Sprintf("Unknown service kind %q", args.Kind)}
		}
		svc, err := a.registry.AddService(ctx, args.Kind)
		if err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		return ipc.Response{Success: true, Message: "Service added", Data: map[string]string{"serviceId": svc.ID}}

	case ipc.CmdDeleteService:
		var args ipc.DeleteServiceArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		if err := a.controller.DeleteService(ctx, args.ServiceID); err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		return ipc.Response{Success: true, Message: "Service deleted"}

	case ipc.CmdListServices:
		return ipc.Response{Success: true, Data: a.registry.Snapshot()}

	case ipc.CmdToggleAutoResponse:
		var args ipc.ToggleAutoResponseArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		svc, ok := a.registry.Get(args.ServiceID)
		if !ok {
			return ipc.Response{Success: false, Message: fmt.Sprintf("Unknown service %s", args.ServiceID)}
		}
		on, err := svc.ToggleAutoResponse(ctx)
		if err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		return ipc.Response{Success: true, Message: fmt.Sprintf("Auto-response now %v", on)}

	case ipc.CmdUpdateAutoResponse:
		var args ipc.UpdateAutoResponseArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		if err := a.updateAutoResponseMessage(ctx, args.Message); err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		return ipc.Response{Success: true, Message: "Auto-response message updated"}

	case ipc.CmdServiceReady:
		var args ipc.ServiceReadyArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		svc, ok := a.registry.Get(args.ServiceID)
		if !ok {
			return ipc.Response{Success: false, Message: fmt.Sprintf("Unknown service %s", args.ServiceID)}
		}
		svc.SetWebContentsID(args.WebContentsID)
		svc.StartLoop(a.ctx)
		return ipc.Response{Success: true, Message: "Service loops started"}

	case ipc.CmdNotification:
		var args ipc.NotificationArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		if err := a.router.Route(ctx, args.ServiceID, args.Title, args.Body); err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		return ipc.Response{Success: true, Message: "Notification routed"}

	case ipc.CmdInteractionStart:
		var args ipc.InteractionArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		if err := a.controller.InteractionStart(ctx, args.ServiceID); err != nil {
			return focusFailure(err)
		}
		return ipc.Response{Success: true}

	case ipc.CmdInteractionEnd:
		var args ipc.InteractionArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		if err := a.controller.InteractionEnd(ctx, args.ServiceID); err != nil {
			return focusFailure(err)
		}
		return ipc.Response{Success: true}

	case ipc.CmdGetSettings:
		set, err := a.storage.GetSettings(ctx)
		if err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		return ipc.Response{Success: true, Data: set}

	case ipc.CmdUpdateSettings:
		var args ipc.UpdateSettingsArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return badArgs(cmd.Name, err)
		}
		if err := a.updateDurations(ctx, args); err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		return ipc.Response{Success: true, Message: "Settings updated"}

	case ipc.CmdGetStatus:
		return ipc.Response{Success: true, Data: a.statusData(ctx)}

	default:
		return ipc.Response{Success: false, Message: fmt.Sprintf("Unknown command: %s", cmd.Name)}
	}
}

func (a *App) updateAutoResponseMessage(ctx context.Context, msg string) error {
	set, err := a.storage.GetSettings(ctx)
	if err != nil {
		return err
	}
	if set == nil {
		set = &storage.Settings{
			ShortFocusDuration:  a.cfg.Focus.ShortMinutes,
			MediumFocusDuration: a.cfg.Focus.MediumMinutes,
			LongFocusDuration:   a.cfg.Focus.LongMinutes,
		}
	}
	set.AutoResponseMessage = msg
	return a.storage.SaveSettings(ctx, set)
}

func (a *App) updateDurations(ctx context.Context, args ipc.UpdateSettingsArgs) error {
	set, err := a.storage.GetSettings(ctx)
	if err != nil {
		return err
	}
	if set == nil {
		set = &storage.Settings{AutoResponseMessage: a.cfg.AutoResponseMessage}
	}
	if args.ShortFocusDuration > 0 {
		set.ShortFocusDuration = args.ShortFocusDuration
	}
	if args.MediumFocusDuration > 0 {
		set.MediumFocusDuration = args.MediumFocusDuration
	}
	if args.LongFocusDuration > 0 {
		set.LongFocusDuration = args.LongFocusDuration
	}
	return a.storage.SaveSettings(ctx, set)
}

func (a *App) statusData(ctx context.Context) ipc.StatusData {
	a.statusMutex.RLock()
	snaps := a.lastStatus
	a.statusMutex.RUnlock()
	if snaps == nil {
		snaps = a.registry.Snapshot()
	}

	data := ipc.StatusData{
		Services:      snaps,
		AllAuthedOnce: a.registry.AllAuthed(),
	}
	if id, start, end, ok := a.controller.CurrentWindow(); ok {
		data.FocusActive = true
		data.FocusSession = id
		data.FocusStart = start
		data.FocusEnd = end
	}
	if futures, err := a.storage.GetFutureFocusSessions(ctx); err == nil {
		for _, fs := range futures {
			data.FutureIDs = append(data.FutureIDs, fs.ID)
			data.FutureStarts = append(data.FutureStarts, fs.StartTime)
		}
	}
	return data
}

// mapToStruct converts the decoded args map back into its typed form.
func mapToStruct(input interface{}, output interface{}) error {
	if input == nil {
		return nil
	}
	jsonBytes, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal args map: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, output); err != nil {
		return fmt.Errorf("failed to unmarshal args into struct: %w", err)
	}
	return nil
}

func badArgs(name string, err error) ipc.Response {
	return ipc.Response{Success: false, Message: fmt.Sprintf("Invalid args for %s: %v", name, err)}
}

// focusFailure maps controller errors onto the named failure kinds the
// presentation layer distinguishes.
func focusFailure(err error) ipc.Response {
	resp := ipc.Response{Success: false, Message: err.Error()}
	switch {
	case errors.Is(err, focus.ErrAlreadyFocused):
		resp.Error = focus.ErrAlreadyFocused.Error()
		resp.Message = "A focus session is already running."
	case errors.Is(err, focus.ErrOverlap):
		resp.Error = focus.ErrOverlap.Error()
		resp.Message = "The requested window overlaps an existing focus session."
	case errors.Is(err, focus.ErrWrongDuration):
		resp.Error = focus.ErrWrongDuration.Error()
		resp.Message = "Focus sessions must have a positive duration of at most 10 hours."
	case errors.Is(err, focus.ErrStoreUnavailable):
		resp.Error = focus.ErrStoreUnavailable.Error()
	}
	return resp
}

func (a *App) Run() error {
	defer a.cleanup()

	log.Println("Starting ExMan daemon...")
	log.Printf("Config: %+v", a.cfg)

	if err := a.setupSocket(); err != nil {
		return err
	}

	a.handleSignals()

	a.wg.Add(1)
	go a.mainLoop()

	a.wg.Add(1)
	go a.statusLoop()

	a.wg.Add(1)
	go a.recoveryLoop()

	a.wg.Add(1)
	go a.listenForCommands()

	if err := a.storage.SaveAppMarker(a.ctx, "app_start", time.Now().UnixMilli()); err != nil {
		log.Printf("Warning: failed to save app_start marker: %v", err)
	}

	log.Println("ExMan daemon running. Send commands via exman-cli or socket.")
	<-a.ctx.Done()

	log.Println("Shutdown signal received, waiting for components...")

	if a.listener != nil {
		log.Println("Closing command socket listener...")
		if err := a.listener.Close(); err != nil {
			log.Printf("Error closing socket listener: %v", err)
		}
	}

	waitChan := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
		log.Println("All application goroutines finished.")
	case <-time.After(5 * time.Second):
		log.Println("Warning: Timeout waiting for application goroutines to stop.")
	}

	log.Println("ExMan daemon finished.")
	return nil
}

// mainLoop consumes core signals: it logs them and keeps the cached
// status fresh for status queries.
func (a *App) mainLoop() {
	defer a.wg.Done()
	defer log.Println("Main application loop stopped.")

	for {
		select {
		case <-a.ctx.Done():
			return

		case update := <-a.updateChan:
			switch u := update.(type) {
			case event.FocusStarted:
				log.Printf("Signal: focus-started session %s [%d, %d)", u.SessionID, u.StartTime, u.EndTime)

			case event.FocusEnded:
				log.Printf("Signal: focus-ended session %s (aborted=%v)", u.SessionID, u.Aborted)

			case event.FocusError:
				log.Printf("Signal: error %s: %s", u.Kind, u.Message)

			case event.NotificationForwarded:
				n := u.Notification
				log.Printf("Signal: notification-forwarded [%s] %s", n.ServiceID, n.Title)

			case event.ServiceStatus:
				a.statusMutex.Lock()
				a.lastStatus = u.Services
				a.statusMutex.Unlock()

			default:
				log.Printf("Unknown update type: %T", u)
			}
		}
	}
}

// statusLoop emits a service-status-updated snapshot every second, the
// periodic refresh the presentation layer renders from.
func (a *App) statusLoop() {
	defer a.wg.Done()
	defer log.Println("Status loop stopped.")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			snapshot := event.ServiceStatus{Services: a.registry.Snapshot()}
			select {
			case a.updateChan <- snapshot:
			case <-a.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// recoveryLoop is the single subscriber of the registry's all-authed
// event; each firing triggers one reconciliation pass.
func (a *App) recoveryLoop() {
	defer a.wg.Done()
	defer log.Println("Recovery loop stopped.")

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.registry.Recovery():
			if err := a.controller.Recover(a.ctx); err != nil {
				log.Printf("Recovery failed: %v", err)
			}
		}
	}
}

func (a *App) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v. Initiating shutdown...", sig)
		a.cancel()
	}()
}

func (a *App) cleanup() {
	log.Println("Running cleanup...")

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer saveCancel()
	if err := a.storage.SaveAppMarker(saveCtx, "app_stop", time.Now().UnixMilli()); err != nil {
		log.Printf("Warning: failed to save app_stop marker: %v", err)
	}

	// timers are ephemeral: recovery re-derives them next run
	a.controller.Shutdown()
	a.registry.TeardownAll()

	if err := a.storage.Close(); err != nil {
		log.Printf("Error closing storage: %v", err)
	}

	if _, err := os.Stat(a.socketPath); err == nil {
		log.Printf("Removing socket file: %s", a.socketPath)
		if err := os.Remove(a.socketPath); err != nil {
			log.Printf("Warning: failed to remove socket file %s: %v", a.socketPath, err)
		}
	}

	log.Println("Cleanup finished.")
}
