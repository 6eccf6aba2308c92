package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-cleartext/internal/config"
	"github.com/23skdu/longbow-cleartext/internal/logger"
)

var (
	cfgFile string
	Version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "cleartext",
	Short: "Run and inspect the attention seq2seq text simplification model",
	Long: `Build an encoder/attention/decoder model over pretrained word vectors, roll it out over
token id sequences and manage its parameter checkpoints.

Examples:
  # Teacher-forced rollout with random 50-dim tables
  cleartext forward --vocab 100 --embed-dim 50 --source 4,8,15,16,23 --target 1,5,9,2

  # Greedy decode of 10 positions from a checkpoint over GloVe vectors
  cleartext forward --src-vectors glove.6B.50d.txt --trg-vectors glove.6B.50d.txt \
    --checkpoint-in model.arrow --eval --source 12,40,7 --length 10 --sos 1

  # List the parameters stored in a checkpoint
  cleartext inspect model.arrow`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Setup(viper.GetString("log.level"), viper.GetString("log.format"))
	},
}

// Execute runs the root command. It is called once by main.main.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file path (e.g. cleartext.yaml)")
	rootCmd.PersistentFlags().
		String("log-level", "info", "set the logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().
		String("log-format", "console", "set the logging output format (console, json, noop)")

	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %q: %v", key, err))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("cleartext")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("CLEARTEXT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}

// addModelFlags registers the hyperparameter flags under the model.* viper keys.
func addModelFlags(cmd *cobra.Command) {
	def := config.Default()
	f := cmd.Flags()
	f.String("topology", def.Topology.String(), "recurrent topology: lstm (dual state) or gru (single state)")
	f.String("scoring", def.Scoring.String(), "attention score reduction: projection or sum")
	f.Int("rnn-units", def.RNNUnits, "recurrent units per direction")
	f.Int("attn-units", def.AttnUnits, "attention projection units")
	f.Int("layers", def.Layers, "stacked encoder layers")
	f.Float64("dropout", def.Dropout, "dropout probability")
	f.Float64("teacher-forcing", def.TeacherForcing, "probability of feeding the ground-truth token")
	f.Int64("seed", def.Seed, "random seed for initialisation, dropout and forcing draws")
	f.Int("threads", 0, "worker goroutines for row-parallel kernels (0 = NumCPU)")
	f.Bool("debug-logits", false, "record logit statistics")
	f.Bool("debug-attention", false, "keep attention weights and record their entropy")

	for _, name := range []string{"topology", "scoring", "rnn-units", "attn-units", "layers", "dropout",
		"teacher-forcing", "seed", "threads", "debug-logits", "debug-attention"} {
		mustBindPFlag("model."+strings.ReplaceAll(name, "-", "_"), f.Lookup(name))
	}
}

func modelConfig() (config.Config, error) {
	cfg := config.Default()
	var err error
	if cfg.Topology, err = config.ParseTopology(viper.GetString("model.topology")); err != nil {
		return cfg, err
	}
	if cfg.Scoring, err = config.ParseScoring(viper.GetString("model.scoring")); err != nil {
		return cfg, err
	}
	cfg.RNNUnits = viper.GetInt("model.rnn_units")
	cfg.AttnUnits = viper.GetInt("model.attn_units")
	cfg.Layers = viper.GetInt("model.layers")
	cfg.Dropout = viper.GetFloat64("model.dropout")
	cfg.TeacherForcing = viper.GetFloat64("model.teacher_forcing")
	cfg.Seed = viper.GetInt64("model.seed")
	cfg.NumThreads = viper.GetInt("model.threads")
	cfg.DebugLogits = viper.GetBool("model.debug_logits")
	cfg.DebugAttention = viper.GetBool("model.debug_attention")
	return cfg, cfg.Validate()
}
