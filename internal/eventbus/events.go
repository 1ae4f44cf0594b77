package eventbus

// Event types published by the job runner.
const (
	SubtaskStarted    = "subtask.started"
	SubtaskSucceeded  = "subtask.succeeded"
	SubtaskFailed     = "subtask.failed"
	TaskFinished      = "task.finished"
	ProxySwitched     = "proxy.switched"
	ProxySwitchFailed = "proxy.switch_failed"
	CookieRefreshDue  = "cookie.refresh_due"
)

// SubtaskData accompanies the subtask.* events.
type SubtaskData struct {
	SubtaskID int64  `json:"subtask_id"`
	TaskID    int64  `json:"task_id"`
	AccountID int64  `json:"account_id"`
	Platform  string `json:"platform"`
	ProxyID   int64  `json:"proxy_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TaskData accompanies task.finished.
type TaskData struct {
	TaskID  int64  `json:"task_id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Total   int    `json:"total"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
}

// SwitchData accompanies the proxy.switch* events.
type SwitchData struct {
	AccountID int64  `json:"account_id"`
	From      int64  `json:"from,omitempty"`
	To        int64  `json:"to,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CookieData accompanies cookie.refresh_due.
type CookieData struct {
	AccountID int64  `json:"account_id"`
	Path      string `json:"path"`
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
}
