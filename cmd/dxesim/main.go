// Command dxesim exercises the image-lifecycle facade against a file on
// disk, for manual testing of LoadImage/StartImage/Exit/UnloadImage
// outside of an actual firmware environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/uefi-go/dxeimage"
	"github.com/uefi-go/dxeimage/internal/corelog"
	"github.com/uefi-go/dxeimage/protocols"
)

var (
	cfgFile   string
	exitEarly string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dxesim",
		Short: "Simulate the DXE image-services lifecycle against a PE file",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (none is read when unset)")
	root.PersistentFlags().Bool("boot-policy", true, "pass boot_policy=true to LoadImage")
	_ = viper.BindPFlag("boot-policy", root.PersistentFlags().Lookup("boot-policy"))
	viper.SetDefault("boot-policy", true)
	viper.SetDefault("stack-size", 0)

	root.AddCommand(newLoadCmd(), newStartCmd(), newUnloadCmd())
	return root
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Load a PE image from disk and leave it resident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := loadFromDisk(args[0])
			return err
		},
	}
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <file>",
		Short: "Load and start a PE image, exercising the StartImage/Exit rendezvous",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(args[0])
		},
	}
	cmd.Flags().StringVar(&exitEarly, "exit-status", "", "make the entry point call Exit() with this status text instead of returning normally")
	return cmd
}

func newUnloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload <file>",
		Short: "Load a PE image and immediately unload it, exercising UnloadImage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnload(args[0])
		},
	}
}

// loadFromDisk wires a freshly constructed engine against path and runs
// LoadImage, using viper-backed defaults for boot policy and the
// entry-point stack size so a config file can override either without a
// recompile.
func loadFromDisk(path string) (*dxeimage.Engine, protocols.Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("mmap %s: %w", path, err)
	}
	defer data.Unmap()

	log := corelog.NewHelper(nil, corelog.LevelInfo)
	reg := dxeimage.NewRegistry(nil)
	collaborators := &protocols.Collaborators{
		EntryPoints: simulatorEntryPoints{},
	}
	engine := dxeimage.NewEngine(reg, collaborators, log)
	engine.StackSize = uint64(viper.GetInt("stack-size"))

	handle, auth, err := engine.LoadImage(context.Background(), viper.GetBool("boot-policy"), engine.CoreHandle, nil, []byte(data))
	if err != nil {
		return nil, 0, err
	}
	if auth.Status != nil {
		log.Warnf("image authentication did not succeed: %v", auth.Status)
	}
	return engine, handle, nil
}

func runStart(path string) error {
	engine, handle, err := loadFromDisk(path)
	if err != nil {
		return err
	}
	fmt.Printf("loaded handle=%v\n", handle)

	if exitEarly != "" {
		engine.Collaborators.EntryPoints = entryPointThatExits{engine: engine, status: errors.New(exitEarly)}
	}

	status, exitData := engine.StartImage(context.Background(), handle)
	fmt.Printf("StartImage status=%v exitData=%v\n", status, exitData)
	return nil
}

func runUnload(path string) error {
	engine, handle, err := loadFromDisk(path)
	if err != nil {
		return err
	}
	if err := engine.UnloadImage(context.Background(), handle, true); err != nil {
		return err
	}
	fmt.Printf("unloaded handle=%v\n", handle)
	return nil
}

// simulatorEntryPoints resolves every image to a trivial entry point that
// returns success immediately, standing in for a real PE entry point this
// simulator has no way to execute.
type simulatorEntryPoints struct{}

func (simulatorEntryPoints) ResolveEntryPoint(imageBase uint64, entryPointRVA uint32) (protocols.EntryPoint, error) {
	return func(protocols.Handle, interface{}) error { return nil }, nil
}

// entryPointThatExits demonstrates the Exit()/StartImage rendezvous: instead
// of returning, the entry point calls back into the engine's Exit.
type entryPointThatExits struct {
	engine *dxeimage.Engine
	status error
}

func (e entryPointThatExits) ResolveEntryPoint(imageBase uint64, entryPointRVA uint32) (protocols.EntryPoint, error) {
	return func(handle protocols.Handle, systemTable interface{}) error {
		return e.engine.Exit(context.Background(), handle, e.status, nil)
	}, nil
}

func main() {
	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "could not read config file %s: %v\n", cfgFile, err)
			}
		}
	})
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
