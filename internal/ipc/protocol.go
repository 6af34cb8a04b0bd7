package ipc

import "exman/internal/event"

const SocketPath = "/tmp/exman.sock"

// Command represents a command sent over the socket.
type Command struct {
	Name string      `json:"name"`
	Args interface{} `json:"args,omitempty"`
}

// Response represents a response sent back over the socket.
type Response struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"` // named failure kind, if any
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// --- Command Argument Structs ---

type StartFocusArgs struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime,omitempty"` // 0 = open-ended
}

type ScheduleFocusArgs struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime"`
}

type CancelScheduledArgs struct {
	SessionID string `json:"sessionId"`
}

type SetGoalsArgs struct {
	Goals []string `json:"goals"`
}

type SetRatingArgs struct {
	Rating int `json:"rating"`
}

type AddServiceArgs struct {
	Kind event.ServiceKind `json:"kind"`
}

type DeleteServiceArgs struct {
	ServiceID string `json:"serviceId"`
}

type ToggleAutoResponseArgs struct {
	ServiceID string `json:"serviceId"`
}

type UpdateAutoResponseArgs struct {
	Message string `json:"message"`
}

type ServiceReadyArgs struct {
	ServiceID     string `json:"serviceId"`
	WebContentsID int    `json:"webContentsId"`
}

type NotificationArgs struct {
	ServiceID string `json:"serviceId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

type InteractionArgs struct {
	ServiceID string `json:"serviceId"`
}

type UpdateSettingsArgs struct {
	ShortFocusDuration  int `json:"shortFocusDuration"`
	MediumFocusDuration int `json:"mediumFocusDuration"`
	LongFocusDuration   int `json:"longFocusDuration"`
}

// --- Command Names ---

const (
	CmdPing               = "ping"
	CmdGetStatus          = "get_status"
	CmdStartFocus         = "start_focus"
	CmdScheduleFocus      = "schedule_focus"
	CmdEndFocus           = "end_focus"
	CmdCancelScheduled    = "cancel_scheduled"
	CmdSetGoals           = "set_goals"
	CmdSetRating          = "set_rating"
	CmdAddService         = "add_service"
	CmdDeleteService      = "delete_service"
	CmdListServices       = "list_services"
	CmdToggleAutoResponse = "toggle_auto_response"
	CmdUpdateAutoResponse = "update_auto_response"
	CmdServiceReady       = "service_ready"
	CmdNotification       = "notification"
	CmdInteractionStart   = "interaction_start"
	CmdInteractionEnd     = "interaction_end"
	CmdGetSettings        = "get_settings"
	CmdUpdateSettings     = "update_settings"
	// CmdAttachShell hands the connection over to the eval bridge:
	// after the initial Response the daemon writes EvalRequest frames
	// and the shell answers with EvalResult frames.
	CmdAttachShell = "attach_shell"
)

// --- Shell eval bridge frames ---

type EvalRequest struct {
	ID            int64  `json:"id"`
	WebContentsID int    `json:"webContentsId"`
	Script        string `json:"script"`
}

type EvalResult struct {
	ID    int64       `json:"id"`
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`
}

// --- Status Response Data ---

type StatusData struct {
	FocusActive   bool                    `json:"focus_active"`
	FocusStart    int64                   `json:"focus_start,omitempty"`
	FocusEnd      int64                   `json:"focus_end,omitempty"`
	FocusSession  string                  `json:"focus_session,omitempty"`
	Services      []event.ServiceSnapshot `json:"services"`
	FutureStarts  []int64                 `json:"future_starts,omitempty"`
	FutureIDs     []string                `json:"future_ids,omitempty"`
	AllAuthedOnce bool                    `json:"all_authed_once"`
}
