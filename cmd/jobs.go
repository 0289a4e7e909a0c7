package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/haikara-dev/gridshift/config"
	"github.com/haikara-dev/gridshift/core/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Workload related commands",
}

var (
	jobPeakKW   float64
	jobAvgKW    float64
	jobDuration int
	jobDeadline string
	jobPriority int
)

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a workload to a running scheduler",
	RunE:  runJobsSubmit,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List known workloads",
	RunE:  runJobsLs,
}

var jobsState string

func init() {
	jobsSubmitCmd.Flags().Float64Var(&jobPeakKW, "peak-kw", 0, "peak power draw in kW")
	jobsSubmitCmd.Flags().Float64Var(&jobAvgKW, "avg-kw", 0, "average power draw in kW")
	jobsSubmitCmd.Flags().IntVar(&jobDuration, "duration", 60, "runtime in minutes")
	jobsSubmitCmd.Flags().StringVar(&jobDeadline, "deadline", "", "completion deadline, RFC3339")
	jobsSubmitCmd.Flags().IntVar(&jobPriority, "priority", 0, "scheduling priority, higher wins")
	jobsLsCmd.Flags().StringVar(&jobsState, "state", "", "filter by lifecycle state")
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsLsCmd)
	rootCmd.AddCommand(jobsCmd)
}

func apiRequest(cfg *config.Config, method, path string, body io.Reader) (*http.Response, error) {
	if cfg.Scheduler.APIAddress == "" {
		return nil, fmt.Errorf("scheduler api_address is not configured")
	}
	req, err := http.NewRequest(method, "http://"+cfg.Scheduler.APIAddress+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.Scheduler.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Scheduler.APIToken)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	deadline, err := time.Parse(time.RFC3339, jobDeadline)
	if err != nil {
		return fmt.Errorf("parse deadline: %w", err)
	}
	payload, err := json.Marshal(map[string]any{
		"peak_kw":          jobPeakKW,
		"avg_kw":           jobAvgKW,
		"duration_minutes": jobDuration,
		"earliest_start":   time.Now().UTC().Format(time.RFC3339),
		"deadline":         deadline.Format(time.RFC3339),
		"priority":         jobPriority,
	})
	if err != nil {
		return err
	}
	resp, err := apiRequest(cfg, http.MethodPost, "/api/jobs/submit", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("submit rejected: %s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	fmt.Println(out.JobID)
	return nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	path := "/api/jobs"
	if jobsState != "" {
		path += "?state=" + jobsState
	}
	resp, err := apiRequest(cfg, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("list failed: %s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	var list []model.Job
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return err
	}
	for _, j := range list {
		fmt.Printf("%s\t%s\t%.1fkW\t%s\n", j.ID, j.State, j.Demand.PeakKW, j.Deadline.Format(time.RFC3339))
	}
	return nil
}
