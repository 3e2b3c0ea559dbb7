package main

import (
	"github.com/spf13/cobra"
)

// version заполняется при сборке через -ldflags "-X main.version=..."
var version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "jingled",
	Short: "jingled - движок сигнализации вызовов Jingle",
	Long: `jingled согласует голосовые сессии и передачу файлов по Jingle:
ведет ростер присутствия, выбирает транспорт и кодеки, управляет
удержанием, передачей и перенаправлением вызовов.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute выполняет корневую команду
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"путь к YAML файлу конфигурации (пусто - значения по умолчанию и окружение)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}
