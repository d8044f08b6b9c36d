// Package protocol implements the line-oriented TLCP wire format: decoding of
// streaming frames into typed values, field-token handling for update frames,
// and the percent-escaping applied to frame arguments.
//
// Ref: https://www.lightstreamer.com/sdks/ls-generic-client/2.1.0/TLCP%20Specifications.pdf
package protocol

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// Tag identifies a frame kind.
type Tag string

const (
	TagConOK    Tag = "CONOK"
	TagConErr   Tag = "CONERR"
	TagLoop     Tag = "LOOP"
	TagEnd      Tag = "END"
	TagSync     Tag = "SYNC"
	TagProbe    Tag = "PROBE"
	TagNoop     Tag = "NOOP"
	TagServName Tag = "SERVNAME"
	TagClientIP Tag = "CLIENTIP"
	TagCons     Tag = "CONS"
	TagProg     Tag = "PROG"
	TagSubOK    Tag = "SUBOK"
	TagSubCmd   Tag = "SUBCMD"
	TagUnsub    Tag = "UNSUB"
	TagEOS      Tag = "EOS"
	TagCS       Tag = "CS"
	TagOV       Tag = "OV"
	TagConf     Tag = "CONF"
	TagU        Tag = "U"
	TagMsgDone  Tag = "MSGDONE"
	TagMsgFail  Tag = "MSGFAIL"
	TagReqOK    Tag = "REQOK"
	TagReqErr   Tag = "REQERR"
	TagError    Tag = "ERROR"
	TagWSOK     Tag = "WSOK"
)

// Frame is a single decoded protocol line.
type Frame interface {
	Tag() Tag
}

// ConOK confirms session creation or binding.
type ConOK struct {
	SessionID    string
	ControlLink  string
	RequestLimit int
	KeepAlive    time.Duration
}

// ConErr rejects session creation or binding.
type ConErr struct {
	Message string
	Code    int
}

// Loop announces that the server is closing the stream connection and expects
// the client to rebind the session.
type Loop struct {
	ExpectedDelay time.Duration
}

// End closes the session permanently.
type End struct {
	Message string
	Code    int
}

// Sync carries the seconds elapsed since the initial header of the connection.
type Sync struct {
	Elapsed time.Duration
}

// Probe is a keepalive.
type Probe struct{}

// Noop is padding sent to defeat intermediary buffering.
type Noop struct {
	Preamble string
}

// ServName reports the server's configured name.
type ServName struct {
	Name string
}

// ClientIP reports the client address as seen by the server.
type ClientIP struct {
	IP string
}

// Cons reports the effective session bandwidth limit. Unlimited is +Inf.
type Cons struct {
	Bandwidth float64
}

// Prog aligns the server's count of data notifications sent on the session.
type Prog struct {
	Prog uint64
}

// SubOK confirms a subscription.
type SubOK struct {
	SubID  int
	Items  int
	Fields int
}

// SubCmd confirms a COMMAND-mode subscription, including the positions of the
// key and command fields.
type SubCmd struct {
	SubID    int
	Items    int
	Fields   int
	KeyField int
	CmdField int
}

// Unsub confirms removal of a subscription.
type Unsub struct {
	SubID int
}

// EOS marks the end of the snapshot for an item.
type EOS struct {
	SubID int
	Item  int
}

// CS orders the client to clear the stored state for an item.
type CS struct {
	SubID int
	Item  int
}

// OV reports updates lost to buffer overflow for an item.
type OV struct {
	SubID int
	Item  int
	Lost  int
}

// Conf reports the effective max frequency of a subscription. Unlimited is +Inf.
type Conf struct {
	SubID        int
	MaxFrequency float64
	Filtered     bool
}

// U carries an update for one item of one subscription, one token per field.
type U struct {
	Tokens []FieldToken
	SubID  int
	Item   int
}

// MsgDone reports successful processing of a client message.
type MsgDone struct {
	Sequence string
	Response string
	Prog     int
}

// MsgFail reports a denied or failed client message.
type MsgFail struct {
	Sequence string
	Message  string
	Prog     int
	Code     int
}

// ReqOK acknowledges a control request.
type ReqOK struct {
	ReqID int
}

// ReqErr rejects a control request.
type ReqErr struct {
	Message string
	ReqID   int
	Code    int
}

// Error reports a request that could not be parsed at all.
type Error struct {
	Message string
	Code    int
}

// WSOK acknowledges a WebSocket session binding preamble.
type WSOK struct{}

// Unknown preserves frames with an unrecognized tag so that protocol
// extensions pass through without breaking the stream.
type Unknown struct {
	RawTag string
	Args   []string
}

func (ConOK) Tag() Tag { return TagConOK }

func (ConErr) Tag() Tag { return TagConErr }

func (Loop) Tag() Tag { return TagLoop }

func (End) Tag() Tag { return TagEnd }

func (Sync) Tag() Tag { return TagSync }

func (Probe) Tag() Tag { return TagProbe }

func (Noop) Tag() Tag { return TagNoop }

func (ServName) Tag() Tag { return TagServName }

func (ClientIP) Tag() Tag { return TagClientIP }

func (Cons) Tag() Tag { return TagCons }

func (Prog) Tag() Tag { return TagProg }

func (SubOK) Tag() Tag { return TagSubOK }

func (SubCmd) Tag() Tag { return TagSubCmd }

func (Unsub) Tag() Tag { return TagUnsub }

func (EOS) Tag() Tag { return TagEOS }

func (CS) Tag() Tag { return TagCS }

func (OV) Tag() Tag { return TagOV }

func (Conf) Tag() Tag { return TagConf }

func (U) Tag() Tag { return TagU }

func (MsgDone) Tag() Tag { return TagMsgDone }

func (MsgFail) Tag() Tag { return TagMsgFail }

func (ReqOK) Tag() Tag { return TagReqOK }

func (ReqErr) Tag() Tag { return TagReqErr }

func (Error) Tag() Tag { return TagError }

func (WSOK) Tag() Tag { return TagWSOK }

func (f Unknown) Tag() Tag { return Tag(f.RawTag) }

var _ slog.LogValuer = U{}

// LogValue keeps update frames compact in debug logs.
func (f U) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("subID", f.SubID),
		slog.Int("item", f.Item),
		slog.Int("fields", len(f.Tokens)),
	)
}

// SessionControl reports whether a decode failure on this tag is fatal to the
// session. Frames that establish or tear down the session identity cannot be
// skipped.
func SessionControl(t Tag) bool {
	switch t {
	case TagConOK, TagConErr, TagLoop, TagEnd:
		return true
	}
	return false
}

var parsers = map[Tag]func([]string) (Frame, error){
	TagConOK:    parseConOK,
	TagConErr:   parseConErr,
	TagLoop:     parseLoop,
	TagEnd:      parseEnd,
	TagSync:     parseSync,
	TagProbe:    parseProbe,
	TagNoop:     parseNoop,
	TagServName: parseServName,
	TagClientIP: parseClientIP,
	TagCons:     parseCons,
	TagProg:     parseProg,
	TagSubOK:    parseSubOK,
	TagSubCmd:   parseSubCmd,
	TagUnsub:    parseUnsub,
	TagEOS:      parseEOS,
	TagCS:       parseCS,
	TagOV:       parseOV,
	TagConf:     parseConf,
	TagU:        parseU,
	TagMsgDone:  parseMsgDone,
	TagMsgFail:  parseMsgFail,
	TagReqOK:    parseReqOK,
	TagReqErr:   parseReqErr,
	TagError:    parseError,
	TagWSOK:     parseWSOK,
}

// Parse decodes a single protocol line. Unrecognized tags yield an Unknown
// frame, not an error.
func Parse(line string) (Frame, error) {
	line = strings.TrimSuffix(line, "\r")
	parts := strings.Split(line, ",")
	tag := Tag(parts[0])
	parse, ok := parsers[tag]
	if !ok {
		return Unknown{RawTag: parts[0], Args: parts[1:]}, nil
	}
	frame, err := parse(parts[1:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	return frame, nil
}

// ParseControlResponse decodes the body of a control response, which carries
// only request acknowledgments.
func ParseControlResponse(line string) (Frame, error) {
	line = strings.TrimSuffix(line, "\r")
	parts := strings.Split(line, ",")
	switch Tag(parts[0]) {
	case TagReqOK:
		f, err := parseReqOK(parts[1:])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", TagReqOK, err)
		}
		return f, nil
	case TagReqErr:
		f, err := parseReqErr(parts[1:])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", TagReqErr, err)
		}
		return f, nil
	case TagError:
		f, err := parseError(parts[1:])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", TagError, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("unexpected control response %q", parts[0])
}

func parseConOK(args []string) (Frame, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("expected 4 arguments, got %d", len(args))
	}
	f := ConOK{
		SessionID:   args[0],
		ControlLink: args[3],
	}
	var err error
	if f.RequestLimit, err = strconv.Atoi(args[1]); err != nil {
		return nil, fmt.Errorf("invalid request limit %q: %w", args[1], err)
	}
	keepAlive, err := strconv.Atoi(args[2])
	if err != nil {
		return nil, fmt.Errorf("invalid keep alive time %q: %w", args[2], err)
	}
	f.KeepAlive = time.Duration(keepAlive) * time.Millisecond
	return f, nil
}

func parseConErr(args []string) (Frame, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(args))
	}
	code, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid error code %q: %w", args[0], err)
	}
	msg, err := Unescape(args[1])
	if err != nil {
		return nil, fmt.Errorf("invalid error message %q: %w", args[1], err)
	}
	return ConErr{Code: code, Message: msg}, nil
}

func parseLoop(args []string) (Frame, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	delay, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid expected delay %q: %w", args[0], err)
	}
	return Loop{ExpectedDelay: time.Duration(delay) * time.Millisecond}, nil
}

func parseEnd(args []string) (Frame, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(args))
	}
	code, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid cause code %q: %w", args[0], err)
	}
	msg, err := Unescape(args[1])
	if err != nil {
		return nil, fmt.Errorf("invalid cause message %q: %w", args[1], err)
	}
	return End{Code: code, Message: msg}, nil
}

func parseSync(args []string) (Frame, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	secs, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid elapsed time %q: %w", args[0], err)
	}
	return Sync{Elapsed: time.Duration(secs) * time.Second}, nil
}

func parseProbe(_ []string) (Frame, error) {
	return Probe{}, nil
}

func parseNoop(args []string) (Frame, error) {
	return Noop{Preamble: strings.Join(args, ",")}, nil
}

func parseServName(args []string) (Frame, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	name, err := Unescape(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid server name %q: %w", args[0], err)
	}
	return ServName{Name: name}, nil
}

func parseClientIP(args []string) (Frame, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	return ClientIP{IP: args[0]}, nil
}

func parseCons(args []string) (Frame, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	bandwidth, err := parseFloatWithUnlimited(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid bandwidth %q: %w", args[0], err)
	}
	return Cons{Bandwidth: bandwidth}, nil
}

func parseProg(args []string) (Frame, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	prog, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid progressive %q: %w", args[0], err)
	}
	return Prog{Prog: prog}, nil
}

func parseSubOK(args []string) (Frame, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("expected 3 arguments, got %d", len(args))
	}
	var f SubOK
	var err error
	if f.SubID, err = strconv.Atoi(args[0]); err != nil {
		return nil, fmt.Errorf("invalid subscription ID %q: %w", args[0], err)
	}
	if f.Items, err = strconv.Atoi(args[1]); err != nil {
		return nil, fmt.Errorf("invalid item count %q: %w", args[1], err)
	}
	if f.Fields, err = strconv.Atoi(args[2]); err != nil {
		return nil, fmt.Errorf("invalid field count %q: %w", args[2], err)
	}
	return f, nil
}

func parseSubCmd(args []string) (Frame, error) {
	if len(args) != 5 {
		return nil, fmt.Errorf("expected 5 arguments, got %d", len(args))
	}
	var f SubCmd
	var err error
	if f.SubID, err = strconv.Atoi(args[0]); err != nil {
		return nil, fmt.Errorf("invalid subscription ID %q: %w", args[0], err)
	}
	if f.Items, err = strconv.Atoi(args[1]); err != nil {
		return nil, fmt.Errorf("invalid item count %q: %w", args[1], err)
	}
	if f.Fields, err = strconv.Atoi(args[2]); err != nil {
		return nil, fmt.Errorf("invalid field count %q: %w", args[2], err)
	}
	if f.KeyField, err = strconv.Atoi(args[3]); err != nil {
		return nil, fmt.Errorf("invalid key field %q: %w", args[3], err)
	}
	if f.CmdField, err = strconv.Atoi(args[4]); err != nil {
		return nil, fmt.Errorf("invalid command field %q: %w", args[4], err)
	}
	return f, nil
}

func parseUnsub(args []string) (Frame, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	subID, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid subscription ID %q: %w", args[0], err)
	}
	return Unsub{SubID: subID}, nil
}

func parseEOS(args []string) (Frame, error) {
	subID, item, err := parseSubItem(args)
	if err != nil {
		return nil, err
	}
	return EOS{SubID: subID, Item: item}, nil
}

func parseCS(args []string) (Frame, error) {
	subID, item, err := parseSubItem(args)
	if err != nil {
		return nil, err
	}
	return CS{SubID: subID, Item: item}, nil
}

func parseSubItem(args []string) (int, int, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("expected 2 arguments, got %d", len(args))
	}
	subID, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid subscription ID %q: %w", args[0], err)
	}
	item, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid item %q: %w", args[1], err)
	}
	return subID, item, nil
}

func parseOV(args []string) (Frame, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("expected 3 arguments, got %d", len(args))
	}
	var f OV
	var err error
	if f.SubID, err = strconv.Atoi(args[0]); err != nil {
		return nil, fmt.Errorf("invalid subscription ID %q: %w", args[0], err)
	}
	if f.Item, err = strconv.Atoi(args[1]); err != nil {
		return nil, fmt.Errorf("invalid item %q: %w", args[1], err)
	}
	if f.Lost, err = strconv.Atoi(args[2]); err != nil {
		return nil, fmt.Errorf("invalid lost count %q: %w", args[2], err)
	}
	return f, nil
}

func parseConf(args []string) (Frame, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("expected 3 arguments, got %d", len(args))
	}
	var f Conf
	var err error
	if f.SubID, err = strconv.Atoi(args[0]); err != nil {
		return nil, fmt.Errorf("invalid subscription ID %q: %w", args[0], err)
	}
	if f.MaxFrequency, err = parseFloatWithUnlimited(args[1]); err != nil {
		return nil, fmt.Errorf("invalid max frequency %q: %w", args[1], err)
	}
	switch args[2] {
	case "filtered":
		f.Filtered = true
	case "unfiltered":
		f.Filtered = false
	default:
		return nil, fmt.Errorf("invalid filtered option %q", args[2])
	}
	return f, nil
}

func parseU(args []string) (Frame, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("expected 3+ arguments, got %d", len(args))
	}
	var f U
	var err error
	if f.SubID, err = strconv.Atoi(args[0]); err != nil {
		return nil, fmt.Errorf("invalid subscription ID %q: %w", args[0], err)
	}
	if f.Item, err = strconv.Atoi(args[1]); err != nil {
		return nil, fmt.Errorf("invalid item %q: %w", args[1], err)
	}
	f.Tokens = make([]FieldToken, len(args)-2)
	for i, raw := range args[2:] {
		if f.Tokens[i], err = parseFieldToken(raw); err != nil {
			return nil, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	return f, nil
}

func parseMsgDone(args []string) (Frame, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, fmt.Errorf("expected 2 or 3 arguments, got %d", len(args))
	}
	f := MsgDone{Sequence: args[0]}
	var err error
	if f.Prog, err = strconv.Atoi(args[1]); err != nil {
		return nil, fmt.Errorf("invalid message progressive %q: %w", args[1], err)
	}
	if len(args) == 3 {
		if f.Response, err = Unescape(args[2]); err != nil {
			return nil, fmt.Errorf("invalid response %q: %w", args[2], err)
		}
	}
	return f, nil
}

func parseMsgFail(args []string) (Frame, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("expected 4 arguments, got %d", len(args))
	}
	f := MsgFail{Sequence: args[0]}
	var err error
	if f.Prog, err = strconv.Atoi(args[1]); err != nil {
		return nil, fmt.Errorf("invalid message progressive %q: %w", args[1], err)
	}
	if f.Code, err = strconv.Atoi(args[2]); err != nil {
		return nil, fmt.Errorf("invalid error code %q: %w", args[2], err)
	}
	if f.Message, err = Unescape(args[3]); err != nil {
		return nil, fmt.Errorf("invalid error message %q: %w", args[3], err)
	}
	return f, nil
}

func parseReqOK(args []string) (Frame, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	reqID, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid request ID %q: %w", args[0], err)
	}
	return ReqOK{ReqID: reqID}, nil
}

func parseReqErr(args []string) (Frame, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("expected 3 arguments, got %d", len(args))
	}
	var f ReqErr
	var err error
	if f.ReqID, err = strconv.Atoi(args[0]); err != nil {
		return nil, fmt.Errorf("invalid request ID %q: %w", args[0], err)
	}
	if f.Code, err = strconv.Atoi(args[1]); err != nil {
		return nil, fmt.Errorf("invalid error code %q: %w", args[1], err)
	}
	if f.Message, err = Unescape(args[2]); err != nil {
		return nil, fmt.Errorf("invalid error message %q: %w", args[2], err)
	}
	return f, nil
}

func parseError(args []string) (Frame, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(args))
	}
	code, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid error code %q: %w", args[0], err)
	}
	msg, err := Unescape(args[1])
	if err != nil {
		return nil, fmt.Errorf("invalid error message %q: %w", args[1], err)
	}
	return Error{Code: code, Message: msg}, nil
}

func parseWSOK(_ []string) (Frame, error) {
	return WSOK{}, nil
}

func parseFloatWithUnlimited(value string) (float64, error) {
	if value == "unlimited" {
		return math.Inf(1), nil
	}
	return strconv.ParseFloat(value, 64)
}
