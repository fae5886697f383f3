package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KKKKjl/pushkit/config"
	"github.com/KKKKjl/pushkit/logger"
)

var (
	mainLog = logger.Component("main")

	rootCmd = &cobra.Command{
		Use:   "pushkit",
		Short: "Realtime event delivery over SSE and websockets",
		Long: `
                 _     _    _ _   
 _ __  _   _ ___| |__ | | _(_) |_ 
| '_ \| | | / __| '_ \| |/ / | __|
| |_) | |_| \__ \ | | |   <| | |_ 
| .__/ \__,_|___/_| |_|_|\_\_|\__|
|_|                               
	`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.InitConfig()
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd, relayCmd, listenCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
