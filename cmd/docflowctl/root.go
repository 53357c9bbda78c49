package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/docflow/internal/client"
	"github.com/yourusername/docflow/internal/jobs"
)

// app はサブコマンド間で共有する状態です。
type app struct {
	profilePath string
	server      string
	apiKey      string
	interval    time.Duration
	maxAttempts int

	profile    *Profile
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "docflowctl",
		Short:         "docflow にドキュメントを送り、処理結果を取得します",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.resolve(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.profilePath, "profile", defaultProfilePath(), "プロファイルのパス")
	flags.StringVar(&a.server, "server", "", "API サーバーのURL（プロファイルより優先）")
	flags.StringVar(&a.apiKey, "api-key", "", "X-API-Key に送るキー（プロファイルより優先）")
	flags.DurationVar(&a.interval, "interval", 0, "ポーリング間隔（0 なら待たずに照会）")
	flags.IntVar(&a.maxAttempts, "max-attempts", 0, "ポーリングの最大回数")

	root.AddCommand(newUploadCmd(a), newStatusCmd(a), newWaitCmd(a))
	return root
}

// resolve はプロファイルを読み、明示されたフラグで上書きします。
func (a *app) resolve(cmd *cobra.Command) error {
	p, err := loadProfile(a.profilePath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		p.Server = a.server
	}
	if flags.Changed("api-key") {
		p.APIKey = a.apiKey
	}
	if flags.Changed("interval") {
		p.Interval = max(a.interval, 0)
	}
	if flags.Changed("max-attempts") && a.maxAttempts > 0 {
		p.MaxAttempts = a.maxAttempts
	}
	a.profile = p
	return nil
}

func (a *app) client() *client.Client {
	return client.New(a.profile.Server, a.profile.APIKey, a.httpClient)
}

func (a *app) poller() *client.Poller {
	return &client.Poller{
		Interval:    a.profile.Interval,
		MaxAttempts: a.profile.MaxAttempts,
		Sleep:       a.sleep,
	}
}

// wait はジョブが終端状態になるまで照会し、状態が変わるたびに表示します。
func (a *app) wait(ctx context.Context, out io.Writer, documentID string) error {
	c := a.client()
	var last jobs.Status
	job, err := a.poller().Poll(ctx, func(ctx context.Context) (*jobs.Job, error) {
		return c.Result(ctx, documentID)
	}, func(j *jobs.Job) {
		if j.Status != last {
			fmt.Fprintf(out, "%s\t%s\n", j.DocumentID, j.Status)
			last = j.Status
		}
	})
	if errors.Is(err, client.ErrPollingTimeout) {
		return fmt.Errorf("%d 回照会しましたが %s は終わっていません（最後の状態: %s）: %w",
			a.profile.MaxAttempts, documentID, lastStatus(job), err)
	}
	if err != nil {
		return err
	}
	if err := printJob(out, job); err != nil {
		return err
	}
	if job.Status == jobs.StatusError {
		return fmt.Errorf("%s の処理は失敗しました: %s", documentID, job.ProcessingError)
	}
	return nil
}

func lastStatus(job *jobs.Job) string {
	if job == nil {
		return "不明"
	}
	return string(job.Status)
}

func printJob(out io.Writer, job *jobs.Job) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}
