package aura

import "fmt"

// Threshold is an M-of-N signing policy: any M of the account's N
// devices may jointly authorize a threshold-signed event.
type Threshold struct {
	M uint16 `json:"m"`
	N uint16 `json:"n"`
}

func NewThreshold(m, n uint16) (Threshold, error) {
	t := Threshold{M: m, N: n}
	if err := t.Validate(); err != nil {
		return Threshold{}, err
	}
	return t, nil
}

func (t Threshold) Validate() error {
	if t.M == 0 {
		return fmt.Errorf("threshold m must be at least 1")
	}
	if t.M > t.N {
		return fmt.Errorf("threshold m=%d exceeds n=%d", t.M, t.N)
	}
	return nil
}

func (t Threshold) String() string { return fmt.Sprintf("%d-of-%d", t.M, t.N) }

// Met reports whether count signers satisfy the policy.
func (t Threshold) Met(count int) bool { return count >= int(t.M) }
