package push

// LaunchInfo is what the host knows at process launch.
type LaunchInfo struct {
	// RemoteNotification is set when the app was launched by a notification.
	RemoteNotification map[string]any `json:"remote_notification,omitempty"`
}

// Snapshot is a point-in-time view of the binding, served to the host and
// persisted by the agent.
type Snapshot struct {
	Mode             string   `json:"mode"`
	State            string   `json:"state"`
	Authorization    string   `json:"authorization"`
	TransportToken   string   `json:"transport_token,omitempty"`
	ApplicationToken string   `json:"application_token,omitempty"`
	Generation       uint64   `json:"generation"`
	RetryAttempts    int      `json:"retry_attempts"`
	LastError        string   `json:"last_error,omitempty"`
	Options          []string `json:"authorization_options"`
}
