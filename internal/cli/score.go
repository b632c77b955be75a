package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"faultwatch/internal/config"
	"faultwatch/internal/models"
	"faultwatch/internal/scoring"
)

// ScoreOutput is printed by the score command
type ScoreOutput struct {
	Temperature    float64               `json:"temperature"`
	Vibration      float64               `json:"vibration"`
	Classification models.Classification `json:"classification"`
	Confidence     float64               `json:"confidence"`
	RawConfidence  float64               `json:"raw_confidence"`
}

func newScoreCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "score <temperature> <vibration>",
		Short: "Classify a single reading",
		Long: `Classify a single reading offline, without a running service.

Examples:
  faultwatch score 84.0 3.1
  faultwatch score 65 1.4 --config config.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			temp, err := parseReading("temperature", args[0])
			if err != nil {
				return err
			}
			vib, err := parseReading("vibration", args[1])
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			class, conf := scoring.New(cfg.Scoring.Thresholds).Score(temp, vib)
			out, err := json.MarshalIndent(ScoreOutput{
				Temperature:    temp,
				Vibration:      vib,
				Classification: class,
				Confidence:     models.RoundConfidence(conf),
				RawConfidence:  scoring.RawConfidence(temp, vib),
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a config file with custom thresholds")
	return cmd
}

func parseReading(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !models.IsFinite(v) {
		return 0, &models.ValidationError{Field: field, Err: models.ErrNonFinite}
	}
	return v, nil
}
