package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Action int

const (
	ActionNormal Action = iota
	ActionSkew
	ActionFlatten
	ActionHalt
)

func (a Action) String() string {
	switch a {
	case ActionSkew:
		return "skew"
	case ActionFlatten:
		return "flatten"
	case ActionHalt:
		return "halt"
	default:
		return "normal"
	}
}

type Reason string

const (
	ReasonNone            Reason = ""
	ReasonStopLoss        Reason = "stop_loss"
	ReasonTakeProfit      Reason = "take_profit"
	ReasonMaxPosition     Reason = "max_position"
	ReasonPositionUnknown Reason = "position_unknown"
	ReasonOperator        Reason = "operator"
)

// Verdict is the result of one risk evaluation. Factor is only meaningful for
// ActionSkew and Reason only for ActionFlatten and ActionHalt.
type Verdict struct {
	Action Action
	Factor decimal.Decimal
	Reason Reason
}

func Normal() Verdict { return Verdict{Action: ActionNormal} }
func Skew(factor decimal.Decimal) Verdict { return Verdict{Action: ActionSkew, Factor: factor} }
func Flatten(reason Reason) Verdict { return Verdict{Action: ActionFlatten, Reason: reason} }
func Halt(reason Reason) Verdict { return Verdict{Action: ActionHalt, Reason: reason} }
func (v Verdict) IsFlatten() bool { return v.Action == ActionFlatten }
func (v Verdict) IsHalt() bool { return v.Action == ActionHalt }

func (v Verdict) String() string {
	switch v.Action {
	case ActionSkew:
		return fmt.Sprintf("skew(%s)", v.Factor.String())
	case ActionFlatten, ActionHalt:
		return fmt.Sprintf("%s(%s)", v.Action, v.Reason)
	default:
		return v.Action.String()
	}
}
