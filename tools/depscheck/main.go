package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePath = "blockphysics/server"

type packageInfo struct {
	ImportPath string
	Imports    []string
}

// rule forbids packages under From from importing anything under one of
// Forbidden. Paths are relative to the module root.
type rule struct {
	From      string
	Forbidden []string
}

var rules = []rule{
	{From: "internal/engine", Forbidden: []string{"internal/physics", "internal/bodies", "internal/shapes", "internal/net", "internal/app", "internal/sim", "internal/config"}},
	{From: "internal/physics", Forbidden: []string{"internal/net", "internal/app", "internal/config", "internal/sim"}},
	{From: "internal/net", Forbidden: []string{"internal/engine", "internal/app"}},
	{From: "internal/host", Forbidden: []string{"internal/physics", "internal/net", "internal/app"}},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	decoder := json.NewDecoder(bytes.NewReader(output))
	var packages []packageInfo
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
			os.Exit(1)
		}
		packages = append(packages, pkg)
	}

	violations := check(packages, rules)
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func check(packages []packageInfo, rules []rule) []string {
	var violations []string
	for _, pkg := range packages {
		for _, r := range rules {
			if !within(pkg.ImportPath, modulePath+"/"+r.From) {
				continue
			}
			for _, imp := range pkg.Imports {
				for _, forbidden := range r.Forbidden {
					if within(imp, modulePath+"/"+forbidden) {
						violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
					}
				}
			}
		}
	}
	sort.Strings(violations)
	return violations
}

// within reports whether path is prefix or one of its subpackages.
func within(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
