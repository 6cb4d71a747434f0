package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/certification"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/config"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type tallyScope struct {
	electionID int64
	periodID   int64
	actor      string
}

func (s *tallyScope) bind(cmd *cobra.Command, withActor bool) {
	cmd.Flags().Int64Var(&s.electionID, "election", 0, "Election id")
	cmd.Flags().Int64Var(&s.periodID, "period", 0, "Voting period id")
	_ = cmd.MarkFlagRequired("election")
	_ = cmd.MarkFlagRequired("period")
	if withActor {
		cmd.Flags().StringVar(&s.actor, "actor", "", "Operator recorded on the run")
		_ = cmd.MarkFlagRequired("actor")
	}
}

func newTallyCommand() *cobra.Command {
	tallyCmd := &cobra.Command{
		Use:   "tally",
		Short: "Certify, inspect or revert tally runs",
	}

	var runScope tallyScope
	var remarks string
	var force bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Certify the results of a voting period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCertification(cmd, func(service *certification.Service) (any, error) {
				return service.RunTally(cmd.Context(), runScope.electionID, runScope.periodID, runScope.actor, certification.RunOptions{
					Remarks: remarks,
					Force:   force,
				})
			})
		},
	}
	runScope.bind(runCmd, true)
	runCmd.Flags().StringVar(&remarks, "remarks", "", "Remarks stored on the run")
	runCmd.Flags().BoolVar(&force, "force", false, "Certify even when the voting period is not closed")

	var statusScope tallyScope
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the tally run of a voting period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCertification(cmd, func(service *certification.Service) (any, error) {
				return service.GetStatus(cmd.Context(), statusScope.electionID, statusScope.periodID)
			})
		},
	}
	statusScope.bind(statusCmd, false)

	var rollbackScope tallyScope
	var reason string
	rollbackCmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert the winners of a completed tally run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCertification(cmd, func(service *certification.Service) (any, error) {
				return service.Rollback(cmd.Context(), rollbackScope.electionID, rollbackScope.periodID, rollbackScope.actor, reason)
			})
		},
	}
	rollbackScope.bind(rollbackCmd, true)
	rollbackCmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the rollback")

	tallyCmd.AddCommand(runCmd, statusCmd, rollbackCmd)
	return tallyCmd
}

func withCertification(cmd *cobra.Command, action func(*certification.Service) (any, error)) error {
	appConfig, err := config.LoadStorage(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeStore, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	service, err := certification.NewService(certification.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	result, err := action(service)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return err
}
