package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/yourusername/docflow/internal/client"
)

func newUploadCmd(a *app) *cobra.Command {
	var (
		contentType string
		wait        bool
	)
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "ファイルをアップロードして処理を開始します",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			path := args[0]

			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if contentType == "" {
				detected, err := mimetype.DetectFile(path)
				if err != nil {
					return fmt.Errorf("detect content type: %w", err)
				}
				contentType = detected.String()
			}

			c := a.client()
			ticket, err := c.Upload(ctx, client.UploadRequest{
				FileName:    filepath.Base(path),
				ContentType: contentType,
				Size:        info.Size(),
			})
			if err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			if err := c.PutObject(ctx, ticket, f); err != nil {
				return fmt.Errorf("upload %s: %w", ticket.DocumentID, err)
			}
			fmt.Fprintln(out, ticket.DocumentID)

			if !wait {
				return nil
			}
			return a.wait(ctx, out, ticket.DocumentID)
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "Content-Type（省略時は内容から判定）")
	cmd.Flags().BoolVar(&wait, "wait", false, "処理が終わるまで待って結果を表示する")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <documentId>",
		Short: "ジョブの現在の状態を1回だけ表示します",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.client().Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), job)
		},
	}
}

func newWaitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <documentId>",
		Short: "ジョブが complete か error になるまで照会します",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.wait(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}
