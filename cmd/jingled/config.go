package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arzzra/jingle_phone/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Работа с конфигурацией",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Показать действующую конфигурацию",
	Long: `Печатает конфигурацию после применения файла, переменных окружения
JINGLE_* и значений по умолчанию.

Примеры:
  jingled config show
  jingled config show -c /etc/jingled/jingled.yaml
  JINGLE_JINGLE_USE_CRYPTO=true jingled config show`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), string(data))
		return err
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Проверить файл конфигурации",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := config.Load(configFile); err != nil {
			return err
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "конфигурация корректна")
		return err
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configCheckCmd)
}
