package dataset

import "fmt"

// InvalidLayoutError reports a source directory without a recognizable class
// structure.
type InvalidLayoutError struct {
	Dir    string
	Reason string
}

func (e *InvalidLayoutError) Error() string {
	return fmt.Sprintf("invalid dataset layout in %s: %s (expected NORMAL/ and PNEUMONIA/ or train|val|test/{NORMAL,PNEUMONIA}/)", e.Dir, e.Reason)
}

// EmptySplitError reports a split that would hold no samples of a class.
// Need is zero when the minimum cannot be derived, e.g. for a pre-split
// layout with a missing directory.
type EmptySplitError struct {
	Split Split
	Class Class
	Have  int
	Need  int
}

func (e *EmptySplitError) Error() string {
	if e.Need > e.Have {
		return fmt.Sprintf("split %q would have no %s samples: have %d, add at least %d more %s images",
			e.Split, e.Class, e.Have, e.Need-e.Have, e.Class)
	}
	return fmt.Sprintf("split %q has no %s samples: add %s images to it", e.Split, e.Class, e.Class)
}

// StaleTargetError reports an organize target that already holds images
// outside the current split plan, such as the output of a run with another
// seed or other ratios.
type StaleTargetError struct {
	Dir   string
	Files []string
}

func (e *StaleTargetError) Error() string {
	return fmt.Sprintf("target %s already holds %d images not in this split (first: %s): remove its split directories or choose another target",
		e.Dir, len(e.Files), e.Files[0])
}
