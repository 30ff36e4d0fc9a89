package state

import "github.com/0xvermeer/lbkeeper/internal/types"

// Store adapts the package-level persistence functions to the keeper's Store
// interface so the loop can be tested against an in-memory fake.
type Store struct{}

func (Store) SaveCycleSnapshot(snapshot types.CycleSnapshot) (int64, error) {
	return SaveCycleSnapshot(snapshot)
}

func (Store) NextCycleNumber() (int, error) {
	return IncrementCycleNumber()
}
