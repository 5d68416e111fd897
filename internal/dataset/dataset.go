// Package dataset discovers chest X-ray images on disk and partitions them
// into train/val/test splits.
//
// Two source layouts are recognized:
//
//	data/NORMAL/*, data/PNEUMONIA/*                      (flat)
//	data/{train,val,test}/{NORMAL,PNEUMONIA}/*           (pre-split)
//
// A flat layout is split per class so every split keeps the source's class
// proportions. The split is deterministic for a given seed.
package dataset

import (
	"path/filepath"
	"strings"
)

// Class is a diagnosis label.
type Class string

const (
	Normal    Class = "NORMAL"
	Pneumonia Class = "PNEUMONIA"
)

// Classes lists the labels in index order: NORMAL=0, PNEUMONIA=1.
var Classes = []Class{Normal, Pneumonia}

// Index returns the numeric target used by the models.
func (c Class) Index() int {
	if c == Pneumonia {
		return 1
	}
	return 0
}

// Split names a partition of the dataset.
type Split string

const (
	Train Split = "train"
	Val   Split = "val"
	Test  Split = "test"
)

// Splits lists the partitions in materialization order.
var Splits = []Split{Train, Val, Test}

// Layout describes how a source directory is organized.
type Layout string

const (
	LayoutFlat     Layout = "flat"
	LayoutPreSplit Layout = "pre-split"
)

// SupportedExtensions are the file suffixes treated as images.
var SupportedExtensions = []string{".png", ".jpg", ".jpeg", ".jfif"}

// IsImageFile reports whether name carries a supported image extension.
func IsImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Sample is one image with its class and split. Split is empty for samples
// of a flat layout that has not been planned yet.
type Sample struct {
	Path  string
	Class Class
	Split Split
}

// Counts holds per-class sample counts per split.
type Counts map[Split]map[Class]int

// Get returns the count for split and class, zero when absent.
func (c Counts) Get(s Split, cl Class) int {
	if c == nil || c[s] == nil {
		return 0
	}
	return c[s][cl]
}

// Total returns the number of samples in split s.
func (c Counts) Total(s Split) int {
	n := 0
	for _, v := range c[s] {
		n += v
	}
	return n
}

func (c Counts) add(s Split, cl Class) {
	if c[s] == nil {
		c[s] = make(map[Class]int, len(Classes))
	}
	c[s][cl]++
}

// Dataset is an ordered collection of samples grouped by split.
type Dataset struct {
	Root    string
	Layout  Layout
	Samples []Sample
}

// Select returns the samples belonging to split s, in dataset order.
func (d *Dataset) Select(s Split) []Sample {
	var out []Sample
	for _, sm := range d.Samples {
		if sm.Split == s {
			out = append(out, sm)
		}
	}
	return out
}

// Counts tallies samples per split and class.
func (d *Dataset) Counts() Counts {
	c := make(Counts)
	for _, sm := range d.Samples {
		c.add(sm.Split, sm.Class)
	}
	return c
}

// ClassTotals tallies samples per class across all splits.
func (d *Dataset) ClassTotals() map[Class]int {
	totals := make(map[Class]int, len(Classes))
	for _, sm := range d.Samples {
		totals[sm.Class]++
	}
	return totals
}

// Require checks that every named split holds at least one sample of each
// class.
func (d *Dataset) Require(splits ...Split) error {
	counts := d.Counts()
	for _, s := range splits {
		for _, cl := range Classes {
			if counts.Get(s, cl) == 0 {
				return &EmptySplitError{Split: s, Class: cl, Have: d.ClassTotals()[cl]}
			}
		}
	}
	return nil
}
