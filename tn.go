// Package tn defines the wire constants of a minimal authenticated remote-command protocol.
//
// A server accepts a connection, proves nothing about itself, and demands that the client prove knowledge of a shared
// key by answering a challenge with a Keccak digest. Once authenticated, the client drives the server with
// length-prefixed command frames: file I/O, process execution, filesystem metadata queries, hashing, directory listing,
// and a small TCP download relay.
//
// Every message on the wire is a frame: a single length byte followed by that many bytes of payload. A zero-length
// frame either ends a multi-frame stream or, as a command, ends the session. The first payload byte of a command frame
// is its Opcode; its operands sit at fixed offsets after that and are always big-endian.
//
// The protocol provides authentication only. Nothing is encrypted.
package tn

import "strconv"

// Version is the protocol revision reported to clients after authentication.
const Version = "13"

const (
	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = 255

	// BufferSize is the size of a session's scratch buffer, which bounds file reads for hashing.
	BufferSize = 4096

	// ChunkSize is the size of the file chunks streamed back by OpRead, one per frame.
	ChunkSize = 254

	// ChallengeSize is the size of the per-connection challenge.
	ChallengeSize = 32

	// IdentifierSize is the size of the server's public identifier.
	IdentifierSize = 32

	// KeySize is the size of the shared authentication key.
	KeySize = 32

	// DigestSize is the size of a sponge digest and of a handshake response.
	DigestSize = 32

	// Probe is sent to clients in the server's native byte order so they can detect it.
	Probe uint32 = 0x11223344
)

// An Opcode selects the operation performed by a command frame.
type Opcode byte

// Opcodes 2 and 3 belonged to older protocol revisions and were replaced by OpOpen.
const (
	OpShell     Opcode = 1
	OpClose     Opcode = 4
	OpKill      Opcode = 5
	OpChmod     Opcode = 6
	OpRename    Opcode = 7
	OpUnlink    Opcode = 8
	OpMkdir     Opcode = 9
	OpRelay     Opcode = 10
	OpLstat     Opcode = 11
	OpStatfs    Opcode = 12
	OpExecQuiet Opcode = 13
	OpExec      Opcode = 14
	OpReaddir   Opcode = 15
	OpSeek      Opcode = 16
	OpFNV       Opcode = 17
	OpRead      Opcode = 18
	OpWrite     Opcode = 19
	OpReadlink  Opcode = 20
	OpResult    Opcode = 21
	OpChdir     Opcode = 22
	OpStat      Opcode = 23
	OpHash      Opcode = 24
	OpSleep     Opcode = 25
	OpOpen      Opcode = 26
)

var opcodeNames = map[Opcode]string{
	OpShell:     "shell",
	OpClose:     "close",
	OpKill:      "kill",
	OpChmod:     "chmod",
	OpRename:    "rename",
	OpUnlink:    "unlink",
	OpMkdir:     "mkdir",
	OpRelay:     "relay",
	OpLstat:     "lstat",
	OpStatfs:    "statfs",
	OpExecQuiet: "exec-quiet",
	OpExec:      "exec",
	OpReaddir:   "readdir",
	OpSeek:      "seek",
	OpFNV:       "fnv",
	OpRead:      "read",
	OpWrite:     "write",
	OpReadlink:  "readlink",
	OpResult:    "result",
	OpChdir:     "chdir",
	OpStat:      "stat",
	OpHash:      "hash",
	OpSleep:     "sleep",
	OpOpen:      "open",
}

func (op Opcode) String() string {
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return "opcode(" + strconv.Itoa(int(op)) + ")"
}

// RelayToFile is the OpRelay flag which writes the relayed response into the current file instead of streaming it
// back to the client.
const RelayToFile = 0x01
