// Package protocol implements the line-delimited wire format spoken by the
// game client: OPCODE|arg|arg...\n frames with no escaping of the separator.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Opcode identifies the operation carried by a frame.
type Opcode string

// Client to server opcodes.
const (
	OpSteamID             Opcode = "STEAM_ID"
	OpSteamName           Opcode = "STEAM_NAME"
	OpWorldName           Opcode = "WORLD_NAME"
	OpBoundaryEnter       Opcode = "BOUNDARY_ENTER"
	OpBoundaryExit        Opcode = "BOUNDARY_EXIT"
	OpCheckpointEnter     Opcode = "CHECKPOINT_ENTER"
	OpRespawn             Opcode = "RESPAWN"
	OpMapEnter            Opcode = "MAP_ENTER"
	OpMapExit             Opcode = "MAP_EXIT"
	OpBikeSwitch          Opcode = "BIKE_SWITCH"
	OpRep                 Opcode = "REP"
	OpSpeedrunLeaderboard Opcode = "SPEEDRUN_DOT_COM_LEADERBOARD"
	OpLeaderboard         Opcode = "LEADERBOARD"
	OpChatMessage         Opcode = "CHAT_MESSAGE"
	OpStartSpeed          Opcode = "START_SPEED"
	OpTrick               Opcode = "TRICK"
	OpVersion             Opcode = "VERSION"
	OpLogLine             Opcode = "LOG_LINE"
	OpSpectate            Opcode = "SPECTATE"
	OpLogToPrint          Opcode = "LOG_TO_PRINT"
	OpUploadReplay        Opcode = "UPLOAD_REPLAY"
)

// Server to client opcodes. LEADERBOARD, SPEEDRUN_DOT_COM_LEADERBOARD,
// CHAT_MESSAGE and UPLOAD_REPLAY travel in both directions.
const (
	OpSuccess        Opcode = "SUCCESS"
	OpSplitTime      Opcode = "SPLIT_TIME"
	OpTimerFinish    Opcode = "TIMER_FINISH"
	OpInvalidateTime Opcode = "INVALIDATE_TIME"
	OpPopup          Opcode = "POPUP"
	OpSetBike        Opcode = "SET_BIKE"
	OpBanned         Opcode = "BANNED"
	OpUnlockItem     Opcode = "UNLOCK_ITEM"
)

const (
	separator = "|"
	heartbeat = "HEARTBEAT"

	// LineBreak is the escaped line break the client expands when it
	// renders text. A raw newline would terminate the frame.
	LineBreak = `\n`
)

var (
	ErrEmptyOpcode   = errors.New("empty opcode")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrMalformed     = errors.New("malformed operands")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

var inbound = map[Opcode]bool{
	OpSteamID:             true,
	OpSteamName:           true,
	OpWorldName:           true,
	OpBoundaryEnter:       true,
	OpBoundaryExit:        true,
	OpCheckpointEnter:     true,
	OpRespawn:             true,
	OpMapEnter:            true,
	OpMapExit:             true,
	OpBikeSwitch:          true,
	OpRep:                 true,
	OpSpeedrunLeaderboard: true,
	OpLeaderboard:         true,
	OpChatMessage:         true,
	OpStartSpeed:          true,
	OpTrick:               true,
	OpVersion:             true,
	OpLogLine:             true,
	OpSpectate:            true,
	OpLogToPrint:          true,
	OpUploadReplay:        true,
}

var outbound = map[Opcode]bool{
	OpSuccess:             true,
	OpSplitTime:           true,
	OpTimerFinish:         true,
	OpInvalidateTime:      true,
	OpPopup:               true,
	OpLeaderboard:         true,
	OpSpeedrunLeaderboard: true,
	OpSetBike:             true,
	OpBanned:              true,
	OpUnlockItem:          true,
	OpUploadReplay:        true,
	OpChatMessage:         true,
}

// Inbound reports whether clients may send op.
func (op Opcode) Inbound() bool { return inbound[op] }

// Known reports whether op belongs to the protocol in either direction.
func (op Opcode) Known() bool { return inbound[op] || outbound[op] }

// Frame is one decoded protocol message.
type Frame struct {
	Opcode Opcode
	Args   []string
}

// NewFrame builds a frame from an opcode and its operands.
func NewFrame(op Opcode, args ...string) Frame {
	if len(args) == 0 {
		args = nil
	}
	return Frame{Opcode: op, Args: args}
}

// String renders the frame without the terminating newline.
func (f Frame) String() string {
	if len(f.Args) == 0 {
		return string(f.Opcode)
	}
	return string(f.Opcode) + separator + strings.Join(f.Args, separator)
}

// Encode renders the frame as it travels on the wire.
func Encode(f Frame) []byte {
	return []byte(f.String() + "\n")
}

// IsHeartbeat reports whether line is a keep-alive. Clients send it both
// with and without the trailing separator.
func IsHeartbeat(line string) bool {
	return line == heartbeat || line == heartbeat+separator
}

// Decode splits a frame (without its newline) into opcode and operands.
func Decode(line string) (Frame, error) {
	parts := strings.Split(line, separator)
	op := Opcode(parts[0])
	if op == "" {
		return Frame{}, ErrEmptyOpcode
	}
	if !op.Known() {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownOpcode, op)
	}
	return NewFrame(op, parts[1:]...), nil
}

// Sanitize replaces bytes that would corrupt framing when s is used as an
// operand.
func Sanitize(s string) string {
	return strings.NewReplacer(separator, "?", "\n", " ", "\r", " ").Replace(s)
}
