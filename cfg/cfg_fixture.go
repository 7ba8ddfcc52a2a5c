// SPDX-License-Identifier: ice License 1.0

//go:build test

package cfg

import (
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/cockroachdb/errors"
)

func init() {
	mustInit(findAllApplicationConfigFiles()...)
}

func findAllApplicationConfigFiles() []string {
	var files []string
	var hints []string

	if p, err := os.Getwd(); err == nil {
		hints = append(hints, p)
	}
	for _, dir := range hints {
		for _, pattern := range []string{filepath.Join(dir, ".testdata", "application.yaml"), filepath.Join(dir, "application.yaml")} {
			if f, err := filepath.Glob(pattern); err != nil {
				log.Println(errors.Wrapf(err, "glob failed for [%v]", pattern))
			} else {
				files = append(files, f...)
			}
		}
	}

	return append(files, relativeFiles()...)
}

func relativeFiles() []string {
	var files []string
	//nolint:dogsled // Because those 3 blank identifiers are useless
	_, callerFile, _, _ := runtime.Caller(0)
	pattern := filepath.Join(filepath.Dir(callerFile), "..", "application.yaml")
	if f, err := filepath.Glob(pattern); err != nil {
		log.Println(errors.Wrapf(err, "glob failed for [%v]", pattern))
	} else {
		files = append(files, f...)
	}

	return files
}
