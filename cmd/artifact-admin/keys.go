package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/prn-tf/artifact-store/internal/auth"
	"github.com/prn-tf/artifact-store/internal/pkg/crypto"
)

var (
	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random upload token secret",
		Args:  cobra.NoArgs,
		RunE:  cmdKeygen,
	}

	hashPasswordCmd = &cobra.Command{
		Use:   "hash-password",
		Short: "Hash the admin password read from stdin",
		Args:  cobra.NoArgs,
		RunE:  cmdHashPassword,
	}
)

func cmdKeygen(cmd *cobra.Command, args []string) error {
	key, err := crypto.GenerateMasterKey()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

func cmdHashPassword(cmd *cobra.Command, args []string) error {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
