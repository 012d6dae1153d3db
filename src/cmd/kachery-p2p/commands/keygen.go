package commands

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/flatironinstitute/kachery-p2p/src/config"
	"github.com/flatironinstitute/kachery-p2p/src/crypto/keys"
	"github.com/flatironinstitute/kachery-p2p/src/kachery"
	"github.com/spf13/cobra"
)

var (
	privKeyFile           string
	pubKeyFile            string
	defaultPrivateKeyFile = filepath.Join(config.DefaultConfigDirectory(), config.DefaultKeyfile)
	defaultPublicKeyFile  = filepath.Join(config.DefaultConfigDirectory(), "key.pub")
)

// NewKeygenCmd produces a KeygenCmd which creates the node key pair
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create new key pair",
		RunE:  keygen,
	}

	AddKeygenFlags(cmd)

	return cmd
}

//AddKeygenFlags adds flags to the keygen command
func AddKeygenFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&privKeyFile, "priv", defaultPrivateKeyFile, "File where the private key will be written")
	cmd.Flags().StringVar(&pubKeyFile, "pub", defaultPublicKeyFile, "File where the public key (node id) will be written")
}

func keygen(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(filepath.Dir(privKeyFile), 0700); err != nil {
		return fmt.Errorf("Writing private key: %s", err)
	}

	key, err := kachery.Keygen(privKeyFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Your private key has been saved to: %s\n", privKeyFile)

	if err := os.MkdirAll(filepath.Dir(pubKeyFile), 0700); err != nil {
		return fmt.Errorf("Writing public key: %s", err)
	}

	pub := keys.PublicKeyHex(&key.PublicKey)

	if err := ioutil.WriteFile(pubKeyFile, []byte(pub), 0600); err != nil {
		return fmt.Errorf("Writing public key: %s", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Your node id has been saved to: %s\n", pubKeyFile)

	return nil
}
