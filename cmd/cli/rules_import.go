package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"fieldcrm/internal/config"
	"fieldcrm/internal/database"
	"fieldcrm/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	rulesFile   string
	rulesTenant string
	rulesDryRun bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage automation rules",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import automation rules for a tenant from a YAML file",
	Long: `Import validates every rule in the file before writing any of them;
either all rules are created or none.

The file is either a list of rules or a mapping with a "rules" key.`,
	RunE: runRulesImport,
}

func init() {
	rulesImportCmd.Flags().StringVarP(&rulesFile, "file", "f", "", "rules file (YAML or JSON)")
	rulesImportCmd.Flags().StringVarP(&rulesTenant, "tenant", "t", "", "tenant id the rules belong to")
	rulesImportCmd.Flags().BoolVar(&rulesDryRun, "dry-run", false, "validate only, do not write")
	_ = rulesImportCmd.MarkFlagRequired("file")
	_ = rulesImportCmd.MarkFlagRequired("tenant")
	rulesCmd.AddCommand(rulesImportCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(rulesFile)
	if err != nil {
		return err
	}
	defer f.Close()
	reqs, err := decodeRulesFile(f)
	if err != nil {
		return fmt.Errorf("%s: %w", rulesFile, err)
	}

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	svc := services.NewAutomationRuleService(db, services.NewRuleStore(db, logrus.StandardLogger()), logrus.StandardLogger())

	if rulesDryRun {
		for i := range reqs {
			if err := svc.ValidateRule(&reqs[i]); err != nil {
				return fmt.Errorf("rule %d (%s): %w", i, reqs[i].Name, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d rules valid\n", len(reqs))
		return nil
	}

	rules, err := svc.ImportRules(context.Background(), rulesTenant, reqs)
	if err != nil {
		return err
	}
	for _, r := range rules {
		fmt.Fprintf(cmd.OutOrStdout(), "created rule %d %q (%s)\n", r.ID, r.Name, r.TriggerEvent)
	}
	return nil
}

// decodeRulesFile reads YAML (JSON is valid YAML) and re-encodes it as JSON so
// the rule types decode through their JSON unmarshallers.
func decodeRulesFile(r io.Reader) ([]services.AutomationRuleRequest, error) {
	var doc interface{}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty rules file")
		}
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if m, ok := doc.(map[string]interface{}); ok {
		rules, found := m["rules"]
		if !found {
			return nil, fmt.Errorf(`expected a list of rules or a "rules" key`)
		}
		doc = rules
	}
	if _, ok := doc.([]interface{}); !ok {
		return nil, fmt.Errorf("rules must be a list")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encode rules: %w", err)
	}
	var reqs []services.AutomationRuleRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reqs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no rules in file")
	}
	return reqs, nil
}
