package seq2seq

import "github.com/23skdu/longbow-cleartext/internal/cpu"

// Forcing decides, after decoder step t has produced its logits, whether the next step is fed
// the ground-truth token at t (true) or the step's own arg-max prediction (false).
type Forcing interface {
	Force(step int) bool
}

type ForcingFunc func(step int) bool

func (f ForcingFunc) Force(step int) bool {
	return f(step)
}

// Bernoulli draws a fresh choice per step from ctx's random source, true with probability p.
func Bernoulli(ctx *cpu.Context, p float64) Forcing {
	return ForcingFunc(func(int) bool {
		return ctx.Float64() < p
	})
}

func Always() Forcing {
	return ForcingFunc(func(int) bool { return true })
}

func Never() Forcing {
	return ForcingFunc(func(int) bool { return false })
}

// Schedule replays fixed decisions: step t uses decisions[t-1], steps past the end are not forced.
func Schedule(decisions ...bool) Forcing {
	return ForcingFunc(func(step int) bool {
		if step-1 < 0 || step-1 >= len(decisions) {
			return false
		}
		return decisions[step-1]
	})
}
