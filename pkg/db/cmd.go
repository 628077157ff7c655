package db

// Cmd identifies a mutating (or replication-relevant) operation, shared
// between the binary wire protocol, the update log's payload encoding,
// and Logged-DB's Redo path. Values match the binary protocol's command
// byte exactly so an update log payload can be replayed without any
// translation.
type Cmd byte

const (
	CmdPut       Cmd = 0x10
	CmdPutKeep   Cmd = 0x11
	CmdPutCat    Cmd = 0x12
	CmdPutShl    Cmd = 0x13
	CmdReplace   Cmd = 0x14 // memcached-only: check-then-put, fails if absent
	CmdPrepend   Cmd = 0x15 // memcached-only: manual prepend via PutProc
	CmdPutNr     Cmd = 0x18
	CmdOut       Cmd = 0x20
	CmdGet       Cmd = 0x30
	CmdMGet      Cmd = 0x31
	CmdVSiz      Cmd = 0x38
	CmdIterInit  Cmd = 0x50
	CmdIterNext  Cmd = 0x51
	CmdFwmKeys   Cmd = 0x58
	CmdAddInt    Cmd = 0x60
	CmdAddDouble Cmd = 0x61
	CmdExt       Cmd = 0x68
	CmdSync      Cmd = 0x70
	CmdOptimize  Cmd = 0x71
	CmdVanish    Cmd = 0x72
	CmdCopy      Cmd = 0x73
	CmdRestore   Cmd = 0x74
	CmdSetMst    Cmd = 0x78
	CmdRNum      Cmd = 0x80
	CmdSize      Cmd = 0x81
	CmdStat      Cmd = 0x88
	CmdMisc      Cmd = 0x90
	CmdRepl      Cmd = 0xA0
)

// BinaryMagic prefixes every binary protocol command and every update log
// payload.
const BinaryMagic = 0xc8
