// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// b24 is a command line front end for the bitrix24 client library. It
// stores credentials in a JSON file, handles install callbacks saved to
// disk and invokes REST methods, printing the JSON reply to stdout.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"

	"github.com/b24go/bitrix24"
	"github.com/b24go/bitrix24/tokenstore"
	"github.com/b24go/bitrix24/tokenstore/filestore"
)

var (
	rootCmd = &cobra.Command{
		Use:   "b24",
		Short: "Bitrix24 REST client",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	callCmd = &cobra.Command{
		Use:   "call <method> [param=value ...]",
		Short: "Invoke a REST method on a portal",
		Args:  cobra.MinimumNArgs(1),
		RunE:  cmdCall,
	}
	installCmd = &cobra.Command{
		Use:   "install <payload.json>",
		Short: "Process an install callback payload saved to a file",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdInstall,
	}
	confDir string

	runCfg   B24Conf
	setupCfg B24Conf
)

type B24Conf struct {
	bitrix24.Config

	Domain          string `help:"portal domain to talk to" default:""`
	CredentialsPath string `help:"path of the JSON file holding portal credentials" default:"$CONFDIR/credentials.json"`
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("b24 configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func openClient(log *zap.Logger) (*bitrix24.Client, error) {
	if runCfg.ClientID == "" || runCfg.ClientSecret == "" {
		return nil, errs.New("client-id and client-secret are required")
	}
	store := filestore.New(runCfg.CredentialsPath)
	return bitrix24.New(log, store, runCfg.Config)
}

func cmdCall(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if runCfg.Domain == "" {
		return errs.New("domain is required")
	}

	client, err := openClient(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, client.Close()) }()

	params := map[string]any{}
	for _, arg := range args[1:] {
		name, value, ok := splitParam(arg)
		if !ok {
			return errs.New("parameters take the form name=value, got %q", arg)
		}
		params[name] = value
	}

	resp, err := client.Call(ctx, args[0], params, tokenstore.Record{Domain: runCfg.Domain})
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(resp.Payload, "", "  ")
	if err != nil {
		return errs.Wrap(err)
	}
	fmt.Println(string(encoded))
	return nil
}

func cmdInstall(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	client, err := openClient(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, client.Close()) }()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return errs.Wrap(err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return errs.New("malformed install payload: %w", err)
	}

	result, err := client.Install(ctx, payload)
	if err != nil {
		return err
	}
	fmt.Printf("installed on %s (rest only: %v)\n", result.Auth.Domain, result.RestOnly)
	return nil
}

func splitParam(arg string) (name, value string, ok bool) {
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			return arg[:i], arg[i+1:], i > 0
		}
	}
	return "", "", false
}

func init() {
	defaultConfDir := fpath.ApplicationDir("b24go", "b24")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for b24 configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(installCmd)
	process.Bind(callCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(installCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
}

func main() {
	logger, _, _ := process.NewLogger("b24")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
