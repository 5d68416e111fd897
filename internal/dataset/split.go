package dataset

import (
	"fmt"
	"math"
	"math/rand"
)

// Ratios are the fractions of each class assigned to train, val and test.
// A zero ratio omits that split.
type Ratios struct {
	Train float64
	Val   float64
	Test  float64
}

// DefaultRatios is the 80/10/10 split.
var DefaultRatios = Ratios{Train: 0.8, Val: 0.1, Test: 0.1}

// Validate checks the ratios are non-negative, sum to one and leave a
// training split.
func (r Ratios) Validate() error {
	if r.Train <= 0 || r.Val < 0 || r.Test < 0 {
		return fmt.Errorf("split ratios must be non-negative with a positive train ratio, got %.3f/%.3f/%.3f", r.Train, r.Val, r.Test)
	}
	if sum := r.Train + r.Val + r.Test; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("split ratios must sum to 1, got %.3f", sum)
	}
	return nil
}

// Counts splits n samples. Each split gets the floor of its share; the
// leftover samples go one each to train first, then to the remaining splits
// by largest fractional share. Every count stays within one sample of its
// exact share.
func (r Ratios) Counts(n int) (train, val, test int) {
	shares := [3]float64{float64(n) * r.Train, float64(n) * r.Val, float64(n) * r.Test}
	var counts [3]int
	var frac [3]float64
	rem := n
	for i, sh := range shares {
		counts[i] = int(math.Floor(sh + 1e-9))
		frac[i] = sh - float64(counts[i])
		rem -= counts[i]
	}

	order := []int{0}
	if frac[2] > frac[1] {
		order = append(order, 2, 1)
	} else {
		order = append(order, 1, 2)
	}
	ratios := [3]float64{r.Train, r.Val, r.Test}
	for _, i := range order {
		if rem == 0 {
			break
		}
		if ratios[i] > 0 {
			counts[i]++
			rem--
		}
	}
	counts[0] += rem
	return counts[0], counts[1], counts[2]
}

// MinSamples is the smallest class size for which every split with a
// positive ratio receives at least one sample.
func (r Ratios) MinSamples() int {
	for n := 1; n < 1_000_000; n++ {
		train, val, test := r.Counts(n)
		if train > 0 && (r.Val == 0 || val > 0) && (r.Test == 0 || test > 0) {
			return n
		}
	}
	return math.MaxInt32
}

// Plan assigns every sample of a flat dataset to a split, per class, using
// a shuffle seeded by seed. Pre-split datasets are returned unchanged.
func Plan(ds *Dataset, r Ratios, seed int64) (*Dataset, error) {
	if ds.Layout == LayoutPreSplit {
		return ds, nil
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	byClass := make(map[Class][]Sample, len(Classes))
	for _, sm := range ds.Samples {
		byClass[sm.Class] = append(byClass[sm.Class], sm)
	}

	assigned := make(map[Split][]Sample, len(Splits))
	for i, cl := range Classes {
		samples := append([]Sample(nil), byClass[cl]...)
		n := len(samples)
		train, val, test := r.Counts(n)

		for _, chk := range []struct {
			split Split
			ratio float64
			got   int
		}{{Train, r.Train, train}, {Val, r.Val, val}, {Test, r.Test, test}} {
			if chk.ratio > 0 && chk.got == 0 {
				return nil, &EmptySplitError{Split: chk.split, Class: cl, Have: n, Need: r.MinSamples()}
			}
		}

		rng := rand.New(rand.NewSource(seed + int64(i)))
		rng.Shuffle(n, func(a, b int) { samples[a], samples[b] = samples[b], samples[a] })

		for j := range samples {
			switch {
			case j < train:
				samples[j].Split = Train
			case j < train+val:
				samples[j].Split = Val
			default:
				samples[j].Split = Test
			}
			assigned[samples[j].Split] = append(assigned[samples[j].Split], samples[j])
		}
	}

	planned := &Dataset{Root: ds.Root, Layout: ds.Layout}
	for _, s := range Splits {
		planned.Samples = append(planned.Samples, assigned[s]...)
	}
	return planned, nil
}
