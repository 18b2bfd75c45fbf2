// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version stamps binaries with build metadata. The variables
// are placeholders meant to be overridden at link time:
//
//	LDFLAGS=-ldflags \
//	  "-X=github.com/notcarbide/samepage/pkg/version.Version=<version> \
//	   -X=github.com/notcarbide/samepage/pkg/version.Build=<build-id>"
//
// Importing the package puts a -version option on the command line of
// the binary.
package version

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

var (
	// Version is the version as given by 'git describe'.
	Version = "unknown"
	// Build is the git SHA1 the binary was built from.
	Build = "unknown"
)

// PrintVersionInfo prints the version metadata of this binary.
func PrintVersionInfo() {
	fmt.Printf("%s version information:\n", filepath.Base(os.Args[0]))
	fmt.Printf("  - version: %s\n", Version)
	fmt.Printf("  - build:   %s\n", Build)
}

// versionFlag hooks PrintVersionInfo into command line parsing.
type versionFlag struct{}

func (versionFlag) IsBoolFlag() bool {
	return true
}

func (versionFlag) Set(value string) error {
	print, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	if print {
		PrintVersionInfo()
		os.Exit(0)
	}
	return nil
}

func (*versionFlag) String() string {
	return "false"
}

func init() {
	flag.Var(&versionFlag{}, "version", "Print version information about "+filepath.Base(os.Args[0]))
}
