package fdc

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrShortBuffer is returned when write data is smaller than the packet's
// execution phase.
var ErrShortBuffer = errors.New("fdc: data buffer shorter than transfer")

// MSR patterns polled by the engine.
const (
	msrCommandMask  = MSRRequest | MSRDataOut
	msrCommandReady = MSRRequest // RQM=1 DIO=0

	msrResultMask  = MSRRequest | MSRDataOut | MSRNonDMA
	msrResultReady = MSRRequest | MSRDataOut // RQM=1 DIO=1 NDM=0
)

// Engine runs one FCP/FRB exchange at a time against a Provider. It holds
// no drive state; callers serialize access.
type Engine struct {
	p   Provider
	log *slog.Logger
}

// NewEngine returns an engine on top of p. A nil logger discards output.
func NewEngine(p Provider, log *slog.Logger) *Engine {
	if log == nil {
		log = discardLogger()
	}
	return &Engine{p: p, log: log}
}

// Execute sends pkt, runs its execution phase and decodes the result.
// data is the write payload and is ignored for other transfers.
//
// The returned error is nil exactly when Result.Outcome is OK. A send
// failure may leave a partial command in the chip.
func (e *Engine) Execute(pkt Packet, data []byte) (Result, error) {
	if pkt.Transfer == TransferWrite && len(data) < pkt.DataLen {
		return Result{Outcome: ProviderFault}, ErrShortBuffer
	}

	e.log.Debug("fop", "cmd", CommandName(pkt.Command), "fcp", pkt.String())

	if st := e.p.Drain(); st != StatusOK {
		return e.fail(Result{}, ProviderFault, "drain", st)
	}

	for i := 0; i < pkt.Len(); i++ {
		if st := e.p.WaitStatus(msrCommandMask, msrCommandReady); st != StatusOK {
			return e.fail(Result{}, CommandSendTimeout, fmt.Sprintf("send byte %d", i), st)
		}
		if st := e.p.WriteData(pkt.Byte(i)); st != StatusOK {
			return e.fail(Result{}, CommandSendTimeout, fmt.Sprintf("send byte %d", i), st)
		}
	}

	var res Result
	switch pkt.Transfer {
	case TransferRead:
		st, blk := e.p.ReadBlock(pkt.DataLen)
		res.Data = blk
		switch st {
		case StatusOK:
		case StatusReadError:
			e.log.Debug("read data cut short", "got", len(blk), "want", pkt.DataLen)
		default:
			return e.fail(res, ProviderFault, "read data", st)
		}
	case TransferWrite:
		switch st := e.p.WriteBlock(data, pkt.DataLen); st {
		case StatusOK:
		case StatusWriteError:
			e.log.Debug("write data cut short")
		default:
			return e.fail(res, ProviderFault, "write data", st)
		}
	default:
		if pkt.Command == CmdReadID {
			if st := e.p.WaitStatus(msrResultMask, msrResultReady); st != StatusOK {
				return e.fail(res, ControllerNotReady, "wait result", st)
			}
		}
	}

	st, frb := e.p.ReadResult()
	res.FRB = frb
	if st != StatusOK {
		return e.fail(res, ResultReadTimeout, "result", st)
	}
	e.log.Debug("frb", "cmd", CommandName(pkt.Command), "frb", hexBytes(frb))

	if pkt.Command == CmdReadID && len(frb) < pkt.ResultLen {
		return e.fail(res, ResultReadTimeout, "short result", StatusOK)
	}

	res.Outcome = Decode(pkt.Command, frb)
	if res.Outcome != OK {
		return res, &Error{
			Outcome: res.Outcome,
			Op:      CommandName(pkt.Command),
			FRB:     append([]byte(nil), frb...),
		}
	}
	return res, nil
}

func (e *Engine) fail(res Result, o Outcome, op string, st Status) (Result, error) {
	res.Outcome = o
	e.log.Debug("fop failed", "op", op, "outcome", o.String(), "status", st.String())
	return res, &Error{Outcome: o, Op: op, Status: st, FRB: append([]byte(nil), res.FRB...)}
}
