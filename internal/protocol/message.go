package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Message is a parsed inbound frame. The set of implementations is closed.
type Message interface {
	Opcode() Opcode
	message()
}

// CheckpointKind is the role a checkpoint plays on its trail
type CheckpointKind string

const (
	CheckpointStart        CheckpointKind = "Start"
	CheckpointIntermediate CheckpointKind = "Intermediate"
	CheckpointFinish       CheckpointKind = "Finish"
)

type SteamID struct{ ID string }

type SteamName struct{ Name string }

type WorldName struct{ Name string }

type BikeSwitch struct{ Bike string }

type BoundaryEnter struct {
	Trail    string
	Boundary string
}

type BoundaryExit struct {
	Trail    string
	Boundary string
}

// CheckpointEnter reports the rider crossing a checkpoint. ClientTime is
// the client's elapsed run time in seconds.
type CheckpointEnter struct {
	Trail            string
	Kind             CheckpointKind
	TotalCheckpoints int
	ClientTime       float64
	Hash             string
}

type Respawn struct{}

type MapEnter struct{ Map string }

type MapExit struct{}

type Spectate struct{ SteamID string }

type StartSpeed struct{ Speed float64 }

type Trick struct{ Name string }

type Version struct{ Version string }

type Rep struct{ Reputation int }

type ChatMessage struct{ Text string }

type LeaderboardRequest struct{ Trail string }

type SpeedrunLeaderboardRequest struct{ Trail string }

// UploadReplay carries a replay recording for a submitted time.
type UploadReplay struct {
	TimeID int64
	Data   []byte
}

type LogLine struct{ Text string }

type LogToPrint struct{ Text string }

func (SteamID) Opcode() Opcode                    { return OpSteamID }
func (SteamName) Opcode() Opcode                  { return OpSteamName }
func (WorldName) Opcode() Opcode                  { return OpWorldName }
func (BikeSwitch) Opcode() Opcode                 { return OpBikeSwitch }
func (BoundaryEnter) Opcode() Opcode              { return OpBoundaryEnter }
func (BoundaryExit) Opcode() Opcode               { return OpBoundaryExit }
func (CheckpointEnter) Opcode() Opcode            { return OpCheckpointEnter }
func (Respawn) Opcode() Opcode                    { return OpRespawn }
func (MapEnter) Opcode() Opcode                   { return OpMapEnter }
func (MapExit) Opcode() Opcode                    { return OpMapExit }
func (Spectate) Opcode() Opcode                   { return OpSpectate }
func (StartSpeed) Opcode() Opcode                 { return OpStartSpeed }
func (Trick) Opcode() Opcode                      { return OpTrick }
func (Version) Opcode() Opcode                    { return OpVersion }
func (Rep) Opcode() Opcode                        { return OpRep }
func (ChatMessage) Opcode() Opcode                { return OpChatMessage }
func (LeaderboardRequest) Opcode() Opcode         { return OpLeaderboard }
func (SpeedrunLeaderboardRequest) Opcode() Opcode { return OpSpeedrunLeaderboard }
func (UploadReplay) Opcode() Opcode               { return OpUploadReplay }
func (LogLine) Opcode() Opcode                    { return OpLogLine }
func (LogToPrint) Opcode() Opcode                 { return OpLogToPrint }

func (SteamID) message()                    {}
func (SteamName) message()                  {}
func (WorldName) message()                  {}
func (BikeSwitch) message()                 {}
func (BoundaryEnter) message()              {}
func (BoundaryExit) message()               {}
func (CheckpointEnter) message()            {}
func (Respawn) message()                    {}
func (MapEnter) message()                   {}
func (MapExit) message()                    {}
func (Spectate) message()                   {}
func (StartSpeed) message()                 {}
func (Trick) message()                      {}
func (Version) message()                    {}
func (Rep) message()                        {}
func (ChatMessage) message()                {}
func (LeaderboardRequest) message()         {}
func (SpeedrunLeaderboardRequest) message() {}
func (UploadReplay) message()               {}
func (LogLine) message()                    {}
func (LogToPrint) message()                 {}

// ParseLine decodes and parses one line in a single step.
func ParseLine(line string) (Message, error) {
	f, err := Decode(line)
	if err != nil {
		return nil, err
	}
	return Parse(f)
}

// Parse converts a decoded frame into its typed message. Operands beyond
// the ones an opcode needs are ignored, which absorbs the empty operand
// produced by the client's trailing separator.
func Parse(f Frame) (Message, error) {
	switch f.Opcode {
	case OpSteamID:
		return SteamID{ID: arg(f, 0)}, nil
	case OpSteamName:
		return SteamName{Name: arg(f, 0)}, nil
	case OpWorldName:
		return WorldName{Name: arg(f, 0)}, nil
	case OpBikeSwitch:
		if err := need(f, 1); err != nil {
			return nil, err
		}
		return BikeSwitch{Bike: f.Args[0]}, nil
	case OpBoundaryEnter:
		if err := need(f, 2); err != nil {
			return nil, err
		}
		return BoundaryEnter{Trail: f.Args[0], Boundary: f.Args[1]}, nil
	case OpBoundaryExit:
		if err := need(f, 2); err != nil {
			return nil, err
		}
		return BoundaryExit{Trail: f.Args[0], Boundary: f.Args[1]}, nil
	case OpCheckpointEnter:
		return parseCheckpoint(f)
	case OpRespawn:
		return Respawn{}, nil
	case OpMapEnter:
		return MapEnter{Map: arg(f, 0)}, nil
	case OpMapExit:
		return MapExit{}, nil
	case OpSpectate:
		return Spectate{SteamID: arg(f, 0)}, nil
	case OpStartSpeed:
		if err := need(f, 1); err != nil {
			return nil, err
		}
		v, err := parseFinite(f.Args[0])
		if err != nil {
			return nil, malformed(f, "speed %q", f.Args[0])
		}
		return StartSpeed{Speed: v}, nil
	case OpTrick:
		return Trick{Name: arg(f, 0)}, nil
	case OpVersion:
		return Version{Version: arg(f, 0)}, nil
	case OpRep:
		raw := arg(f, 0)
		if raw == "" {
			return Rep{}, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, malformed(f, "reputation %q", raw)
		}
		return Rep{Reputation: n}, nil
	case OpChatMessage:
		return ChatMessage{Text: arg(f, 0)}, nil
	case OpLeaderboard:
		if err := need(f, 1); err != nil {
			return nil, err
		}
		return LeaderboardRequest{Trail: f.Args[0]}, nil
	case OpSpeedrunLeaderboard:
		if err := need(f, 1); err != nil {
			return nil, err
		}
		return SpeedrunLeaderboardRequest{Trail: f.Args[0]}, nil
	case OpUploadReplay:
		return parseUploadReplay(f)
	case OpLogLine:
		return LogLine{Text: joinArgs(f)}, nil
	case OpLogToPrint:
		return LogToPrint{Text: joinArgs(f)}, nil
	}
	return nil, fmt.Errorf("%w: %q is not accepted from clients", ErrUnknownOpcode, f.Opcode)
}

func parseCheckpoint(f Frame) (Message, error) {
	if err := need(f, 5); err != nil {
		return nil, err
	}
	kind := CheckpointKind(f.Args[1])
	switch kind {
	case CheckpointStart, CheckpointIntermediate, CheckpointFinish:
	default:
		return nil, malformed(f, "checkpoint kind %q", f.Args[1])
	}
	total, err := strconv.Atoi(f.Args[2])
	if err != nil {
		return nil, malformed(f, "total checkpoints %q", f.Args[2])
	}
	t, err := parseFinite(f.Args[3])
	if err != nil {
		return nil, malformed(f, "client time %q", f.Args[3])
	}
	return CheckpointEnter{
		Trail:            f.Args[0],
		Kind:             kind,
		TotalCheckpoints: total,
		ClientTime:       t,
		Hash:             f.Args[4],
	}, nil
}

func parseUploadReplay(f Frame) (Message, error) {
	if err := need(f, 2); err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(f.Args[0], 10, 64)
	if err != nil {
		return nil, malformed(f, "time id %q", f.Args[0])
	}
	data, err := base64.StdEncoding.DecodeString(f.Args[1])
	if err != nil {
		return nil, malformed(f, "replay payload: %v", err)
	}
	return UploadReplay{TimeID: id, Data: data}, nil
}

// parseFinite parses a float, rejecting NaN and the infinities
func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("not a finite number")
	}
	return v, nil
}

func arg(f Frame, i int) string {
	if i < len(f.Args) {
		return f.Args[i]
	}
	return ""
}

func joinArgs(f Frame) string {
	return strings.TrimSuffix(strings.Join(f.Args, separator), separator)
}

func need(f Frame, n int) error {
	if len(f.Args) < n {
		return malformed(f, "want %d operands, got %d", n, len(f.Args))
	}
	return nil
}

func malformed(f Frame, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, f.Opcode, fmt.Sprintf(format, args...))
}
