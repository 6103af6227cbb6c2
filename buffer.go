package calypso

// bufferAccountant tracks the remaining capacity of the card's session
// buffer across a sequence of commands. Depending on the card generation the
// buffer is counted in bytes or in commands; the mode and the maximum are
// fixed properties established at card selection.
//
// The accountant is a value type owned by the orchestrator; reserve never
// mutates state when it reports an overflow, so a dry run on a copy leaves
// the original untouched.
type bufferAccountant struct {
	inBytes   bool
	remaining int
	max       int
}

func newBufferAccountant(inBytes bool, max int) bufferAccountant {
	return bufferAccountant{inBytes: inBytes, remaining: max, max: max}
}

// evaluate reserves the command's session buffer cost. Commands that do not
// affect the buffer never fail.
func (b *bufferAccountant) evaluate(c *CardCommand) error {
	if !c.affectsBuffer {
		return nil
	}

	cost := 1
	if b.inBytes {
		cost = c.bufferCost()
	}

	return b.reserve(cost)
}

// reserve decrements the remaining capacity, or reports an overflow without
// mutating state.
func (b *bufferAccountant) reserve(cost int) error {
	if b.inBytes {
		if b.remaining < cost {
			return SessionBufferOverflowError{Required: cost, Remaining: b.remaining}
		}

		b.remaining -= cost

		return nil
	}

	if b.remaining <= 0 {
		return SessionBufferOverflowError{Required: 1, Remaining: 0}
	}

	b.remaining--

	return nil
}

// reset restores the remaining capacity to the card's maximum. Called at
// session open and at each forced re-open caused by an overflow.
func (b *bufferAccountant) reset() {
	b.remaining = b.max
}
