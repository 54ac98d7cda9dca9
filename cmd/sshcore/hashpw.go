package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/pzverkov/sshcore/pkg/auth"
)

func hashpwCmd() *cobra.Command {
	var (
		usersFile string
		cost      int
		remove    bool
	)

	cmd := &cobra.Command{
		Use:   "hashpw [user]",
		Short: "Hash a password with bcrypt",
		Long: `Read a password and print its bcrypt hash. With --users-file the hash
is stored for the given user in the YAML user table instead, creating the
file if needed.`,
		Example: `  sshcore hashpw
  sshcore hashpw --users-file users.yaml alice
  sshcore hashpw --users-file users.yaml --remove alice`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if usersFile != "" && len(args) == 0 {
				return errors.New("a user name is required with --users-file")
			}

			if remove {
				if usersFile == "" {
					return errors.New("--remove needs --users-file")
				}
				db, err := auth.LoadUserDB(usersFile)
				if err != nil {
					return err
				}
				db.Remove(args[0])
				if err := db.Save(usersFile); err != nil {
					return err
				}
				fmt.Fprintf(out, "Removed %s from %s\n", args[0], usersFile)
				return nil
			}

			password, err := readNewPassword(cmd)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password, cost)
			if err != nil {
				return err
			}

			if usersFile == "" {
				fmt.Fprintln(out, hash)
				return nil
			}

			db, err := auth.LoadUserDB(usersFile)
			if errors.Is(err, fs.ErrNotExist) {
				db, err = auth.NewUserDB(), nil
			}
			if err != nil {
				return err
			}
			if err := db.Add(args[0], hash); err != nil {
				return err
			}
			if err := db.Save(usersFile); err != nil {
				return err
			}
			fmt.Fprintf(out, "Stored password for %s in %s\n", args[0], usersFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&usersFile, "users-file", "", "YAML user table to update")
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	cmd.Flags().BoolVar(&remove, "remove", false, "Remove the user from --users-file")
	return cmd
}

// readNewPassword asks twice on a terminal and once on a pipe.
func readNewPassword(cmd *cobra.Command) (string, error) {
	errOut := cmd.ErrOrStderr()
	password, err := readSecret(errOut, "Password: ")
	if err != nil {
		return "", err
	}
	if !stdinIsTerminal() {
		return password, nil
	}
	again, err := readSecret(errOut, "Confirm password: ")
	if err != nil {
		return "", err
	}
	if again != password {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}
