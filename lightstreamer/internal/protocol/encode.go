package protocol

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Encode renders a frame as a single protocol line, without the trailing line
// break. Encode(Parse(line)) reproduces line for every frame this package can
// produce itself.
func Encode(f Frame) string {
	switch f := f.(type) {
	case ConOK:
		return join("CONOK", f.SessionID, strconv.Itoa(f.RequestLimit), millis(f.KeepAlive), f.ControlLink)
	case ConErr:
		return join("CONERR", strconv.Itoa(f.Code), Escape(f.Message))
	case Loop:
		return join("LOOP", millis(f.ExpectedDelay))
	case End:
		return join("END", strconv.Itoa(f.Code), Escape(f.Message))
	case Sync:
		return join("SYNC", strconv.Itoa(int(f.Elapsed/time.Second)))
	case Probe:
		return "PROBE"
	case Noop:
		if f.Preamble == "" {
			return "NOOP"
		}
		return join("NOOP", f.Preamble)
	case ServName:
		return join("SERVNAME", Escape(f.Name))
	case ClientIP:
		return join("CLIENTIP", f.IP)
	case Cons:
		return join("CONS", unlimited(f.Bandwidth))
	case Prog:
		return join("PROG", strconv.FormatUint(f.Prog, 10))
	case SubOK:
		return join("SUBOK", strconv.Itoa(f.SubID), strconv.Itoa(f.Items), strconv.Itoa(f.Fields))
	case SubCmd:
		return join("SUBCMD", strconv.Itoa(f.SubID), strconv.Itoa(f.Items), strconv.Itoa(f.Fields),
			strconv.Itoa(f.KeyField), strconv.Itoa(f.CmdField))
	case Unsub:
		return join("UNSUB", strconv.Itoa(f.SubID))
	case EOS:
		return join("EOS", strconv.Itoa(f.SubID), strconv.Itoa(f.Item))
	case CS:
		return join("CS", strconv.Itoa(f.SubID), strconv.Itoa(f.Item))
	case OV:
		return join("OV", strconv.Itoa(f.SubID), strconv.Itoa(f.Item), strconv.Itoa(f.Lost))
	case Conf:
		filtered := "unfiltered"
		if f.Filtered {
			filtered = "filtered"
		}
		return join("CONF", strconv.Itoa(f.SubID), unlimited(f.MaxFrequency), filtered)
	case U:
		parts := make([]string, 0, 3+len(f.Tokens))
		parts = append(parts, "U", strconv.Itoa(f.SubID), strconv.Itoa(f.Item))
		for _, t := range f.Tokens {
			parts = append(parts, encodeFieldToken(t))
		}
		return strings.Join(parts, ",")
	case MsgDone:
		if f.Response == "" {
			return join("MSGDONE", f.Sequence, strconv.Itoa(f.Prog))
		}
		return join("MSGDONE", f.Sequence, strconv.Itoa(f.Prog), Escape(f.Response))
	case MsgFail:
		return join("MSGFAIL", f.Sequence, strconv.Itoa(f.Prog), strconv.Itoa(f.Code), Escape(f.Message))
	case ReqOK:
		return join("REQOK", strconv.Itoa(f.ReqID))
	case ReqErr:
		return join("REQERR", strconv.Itoa(f.ReqID), strconv.Itoa(f.Code), Escape(f.Message))
	case Error:
		return join("ERROR", strconv.Itoa(f.Code), Escape(f.Message))
	case WSOK:
		return "WSOK"
	case Unknown:
		return join(f.RawTag, f.Args...)
	}
	return ""
}

func join(tag string, args ...string) string {
	if len(args) == 0 {
		return tag
	}
	return tag + "," + strings.Join(args, ",")
}

func millis(d time.Duration) string {
	return strconv.Itoa(int(d / time.Millisecond))
}

func unlimited(v float64) string {
	if math.IsInf(v, 1) {
		return "unlimited"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
