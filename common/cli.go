// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package common holds what the brumed commands share.
package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// Execute runs cmd through fang, with the build version and our error
// output, and exits non zero on failure.
func Execute(cmd *cobra.Command) {
	err := fang.Execute(context.Background(), cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(errorHandler(cmd)),
	)
	if err != nil {
		os.Exit(1)
	}
}

// errorHandler prints err.  Invocation errors are followed by the usage
// of cmd, anything else by a pointer to --help.
func errorHandler(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		fmt.Fprintln(w, styles.ErrorHeader.String())
		fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		fmt.Fprintln(w)

		if IsUsageError(err) {
			printUsage(w, cmd)
			return
		}
		fmt.Fprintln(w, helpHint(styles))
		fmt.Fprintln(w)
	}
}

func printUsage(w io.Writer, cmd *cobra.Command) {
	help := cmd.HelpFunc()
	if help == nil {
		return
	}
	_ = colorprofile.NewWriter(w, nil)
	help(cmd, nil)
}

func helpHint(styles fang.Styles) string {
	text := styles.ErrorText.UnsetWidth()
	return lipgloss.JoinHorizontal(lipgloss.Left,
		text.Render("Try"),
		styles.Program.Flag.Render("--help"),
		text.UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
	)
}

// Fragments of the errors cobra and our commands return for a bad
// invocation.
var usageFragments = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"required flag",
	"accepts",
	"arg(s), received",
	"failed to load config file",
	"config file must be specified",
}

// IsUsageError returns true for errors caused by a bad invocation.
func IsUsageError(err error) bool {
	msg := err.Error()
	for _, f := range usageFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
