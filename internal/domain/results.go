package domain

// ResultFile is the layout of final_report.json. Channels that attach or
// summarise the artifact read Details; Tools is informational.
type ResultFile struct {
	Details ResultDetails `json:"details"`
	Tools   []ToolResult  `json:"tools"`
}

type ResultDetails struct {
	URL           string `json:"url"`
	StartScanDate string `json:"start_scan_date"`
	LastScanDate  string `json:"last_scan_date"`
	ScanDuration  string `json:"scan_duration"`
	TotalHigh     int    `json:"total_High"`
	TotalMedium   int    `json:"total_Medium"`
	TotalLow      int    `json:"total_Low"`
	TotalInfo     int    `json:"total_Informational"`
}

type ToolResult struct {
	Name     string    `json:"name"`
	ExitCode int       `json:"exit_code"`
	Duration string    `json:"duration"`
	Error    string    `json:"error,omitempty"`
	Findings []Finding `json:"findings,omitempty"`
}

// Finding is one issue reported by a tool. Risk is High, Medium, Low or
// Informational.
type Finding struct {
	Name string `json:"name"`
	Risk string `json:"risk"`
}
