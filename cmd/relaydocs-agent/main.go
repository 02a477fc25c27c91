package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relaydocs/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	v       *viper.Viper
	cfgFile string
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}
	config.SetAgentDefaults(a.v)

	root := &cobra.Command{
		Use:           "relaydocs-agent",
		Short:         "Keeps document locks in step with the files open on this machine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "YAML config file (default "+config.DefaultFile()+")")
	flags.String("client-id", "", "lock owner identity for this machine")
	flags.String("server", "", "shared store base URL")
	flags.String("container", "", "limit the cache to one container")
	flags.String("log-level", "", "debug, info, warn, or error")
	for flag, key := range map[string]string{
		"client-id": "client_id",
		"server":    "store.base_url",
		"container": "container",
		"log-level": "log.level",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		newRunCmd(a),
		newStatusCmd(a),
		newCleanupCmd(a),
		newTokenCmd(a),
		newTransitionCmd(a),
		newValidateCmd(a),
	)
	return root
}

func (a *app) load() (*config.AgentConfig, error) {
	path, explicit := a.cfgFile, a.cfgFile != ""
	if !explicit {
		path = config.DefaultFile()
	}
	if err := config.ReadFile(a.v, path, explicit); err != nil {
		return nil, err
	}
	return config.LoadAgent(a.v)
}
