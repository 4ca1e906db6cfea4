package tui

// Key binding constants used in handleKey.
const (
	KeyQuit       = "q"
	KeyQuitUpper  = "Q"
	KeyCtrlC      = "ctrl+c"
	KeySpace      = " "
	KeyConnect    = "c"
	KeyDisconnect = "d"
	KeyUp         = "up"
	KeyDown       = "down"
)
