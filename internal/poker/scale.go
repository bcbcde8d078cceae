package poker

import (
	"math"
	"sort"
	"strconv"
)

const (
	ScaleFibonacci         = "fibonacci"
	ScaleModifiedFibonacci = "modified-fibonacci"
	ScaleTShirt            = "t-shirt"
	ScalePowersOfTwo       = "powers-of-2"
)

// Unsure is legal on every scale but never counts towards a suggestion.
const Unsure = "?"

// Scale is the enumerated set of legal vote values for a session.
type Scale struct {
	Name    string   `json:"name"`
	Values  []string `json:"values"`
	Numeric bool     `json:"numeric"`
}

var scales = map[string]Scale{
	ScaleFibonacci: {
		Name:    ScaleFibonacci,
		Values:  []string{"0", "1", "2", "3", "5", "8", "13", "21", Unsure},
		Numeric: true,
	},
	ScaleModifiedFibonacci: {
		Name:    ScaleModifiedFibonacci,
		Values:  []string{"0", "0.5", "1", "2", "3", "5", "8", "13", "20", "40", "100", Unsure},
		Numeric: true,
	},
	ScaleTShirt: {
		Name:   ScaleTShirt,
		Values: []string{"XS", "S", "M", "L", "XL", "XXL", Unsure},
	},
	ScalePowersOfTwo: {
		Name:    ScalePowersOfTwo,
		Values:  []string{"0", "1", "2", "4", "8", "16", "32", "64", Unsure},
		Numeric: true,
	},
}

// LookupScale resolves a scale by name; the empty name selects Fibonacci.
func LookupScale(name string) (Scale, error) {
	if name == "" {
		name = ScaleFibonacci
	}
	sc, ok := scales[name]
	if !ok {
		return Scale{}, errorf(CodeInvalidInput, "unknown scale %q", name)
	}
	return sc, nil
}

// Scales lists the presets in a stable order.
func Scales() []Scale {
	out := make([]Scale, 0, len(scales))
	for _, sc := range scales {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (sc Scale) Contains(v string) bool {
	return sc.index(v) >= 0
}

func (sc Scale) index(v string) int {
	for i, x := range sc.Values {
		if x == v {
			return i
		}
	}
	return -1
}

// Suggestion is the advisory estimate derived from revealed votes.
type Suggestion struct {
	Value  string   `json:"value"`
	Median *float64 `json:"median,omitempty"`
}

// Suggest derives an estimate from votes: the median snapped to the nearest
// scale value for numeric scales, the modal value otherwise. Ties go to the
// candidate nearest the mean, then to the larger value. Returns nil when no
// vote counts.
func (sc Scale) Suggest(votes map[string]string) *Suggestion {
	if sc.Numeric {
		return sc.suggestNumeric(votes)
	}
	return sc.suggestModal(votes)
}

func (sc Scale) suggestNumeric(votes map[string]string) *Suggestion {
	nums := make([]float64, 0, len(votes))
	for _, v := range votes {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return nil
	}
	sort.Float64s(nums)
	var median float64
	if n := len(nums); n%2 == 1 {
		median = nums[n/2]
	} else {
		median = (nums[n/2-1] + nums[n/2]) / 2
	}
	var sum float64
	for _, f := range nums {
		sum += f
	}
	mean := sum / float64(len(nums))

	best, bestVal := "", 0.0
	for _, v := range sc.Values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		if best == "" || closer(f, bestVal, median, mean) {
			best, bestVal = v, f
		}
	}
	return &Suggestion{Value: best, Median: &median}
}

// closer reports whether candidate a beats b for target, falling back to the
// mean and then to the larger value.
func closer(a, b, target, mean float64) bool {
	const eps = 1e-9
	da, db := math.Abs(a-target), math.Abs(b-target)
	if math.Abs(da-db) > eps {
		return da < db
	}
	ma, mb := math.Abs(a-mean), math.Abs(b-mean)
	if math.Abs(ma-mb) > eps {
		return ma < mb
	}
	return a > b
}

func (sc Scale) suggestModal(votes map[string]string) *Suggestion {
	counts := map[int]int{}
	var sum, n float64
	for _, v := range votes {
		if v == Unsure {
			continue
		}
		i := sc.index(v)
		if i < 0 {
			continue
		}
		counts[i]++
		sum += float64(i)
		n++
	}
	if n == 0 {
		return nil
	}
	mean := sum / n
	best, bestCount := -1, 0
	for i, c := range counts {
		switch {
		case c > bestCount:
			best, bestCount = i, c
		case c == bestCount && closer(float64(i), float64(best), mean, mean):
			best = i
		}
	}
	return &Suggestion{Value: sc.Values[best]}
}
