package irc

// Server-to-server commands understood by the linking core.
const (
	CmdPass    = "PASS"
	CmdCapab   = "CAPAB"
	CmdServer  = "SERVER"
	CmdSvinfo  = "SVINFO"
	CmdPing    = "PING"
	CmdPong    = "PONG"
	CmdError   = "ERROR"
	CmdSquit   = "SQUIT"
	CmdUID     = "UID"
	CmdNick    = "NICK"
	CmdQuit    = "QUIT"
	CmdKill    = "KILL"
	CmdSjoin   = "SJOIN"
	CmdJoin    = "JOIN"
	CmdPart    = "PART"
	CmdTmode   = "TMODE"
	CmdMode    = "MODE"
	CmdTopic   = "TOPIC"
	CmdTB      = "TB"
	CmdPrivmsg = "PRIVMSG"
	CmdNotice  = "NOTICE"
)

// ProtocolVersion is the TS protocol revision spoken on links.
const (
	ProtocolVersion    = 6
	MinProtocolVersion = 6
)

// CoreCommands are handled by the router itself and cannot be claimed by
// extensions.
var CoreCommands = map[string]bool{
	CmdPass:    true,
	CmdCapab:   true,
	CmdServer:  true,
	CmdSvinfo:  true,
	CmdPing:    true,
	CmdPong:    true,
	CmdError:   true,
	CmdSquit:   true,
	CmdUID:     true,
	CmdNick:    true,
	CmdQuit:    true,
	CmdKill:    true,
	CmdSjoin:   true,
	CmdJoin:    true,
	CmdPart:    true,
	CmdTmode:   true,
	CmdMode:    true,
	CmdTopic:   true,
	CmdTB:      true,
	CmdPrivmsg: true,
	CmdNotice:  true,
}
