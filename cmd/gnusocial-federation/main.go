// SPDX-License-Identifier: ice License 1.0

package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/someonewithpc/gnusocial-sub003/httpsig"
	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/outbox"
	"github.com/someonewithpc/gnusocial-sub003/server"
	httpserver "github.com/someonewithpc/gnusocial-sub003/server/http"
)

const defaultInstanceActor = "admin"

func newRootCommand() *cobra.Command {
	var (
		configFile string
		database   string
		baseURL    string
	)
	root := &cobra.Command{
		Use:          "gnusocial-federation",
		Short:        "GNU social federation core: ActivityPub inboxes, outboxes and WebSub",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to the yaml configuration file")
	root.PersistentFlags().StringVar(&database, "database", "", "sqlite database path, overrides database/store.path")
	root.PersistentFlags().StringVar(&baseURL, "base-url", "", "public base url of this instance, overrides discovery.baseUrl")
	load := func() *settings {
		s := loadSettings(configFile, baseURL)
		if database != "" {
			s.Store.Path = database
		}

		return s
	}
	root.AddCommand(newServeCommand(load), newKeysCommand(load), newWebSubCommand(load), newPostCommand(load))

	return root
}

func newServeCommand(load func() *settings) *cobra.Command {
	var (
		port          uint16
		cert          string
		key           string
		instanceActor string
	)
	serve := &cobra.Command{
		Use:   "serve",
		Short: "serve the federation endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			s := load()
			if cmd.Flags().Changed("port") {
				s.Server.Port = port
			}
			if cert != "" {
				s.Server.CertPath, s.Server.KeyPath = cert, key
			}
			s.InstanceActor = instanceActor
			app, err := newApplication(ctx, s)
			if err != nil {
				return errors.Wrap(err, "failed to start")
			}
			app.start(ctx)

			return server.New(&s.Server, app.routes, app.close).ListenAndServe(ctx, cancel)
		},
	}
	serve.Flags().Uint16Var(&port, "port", 0, "port to listen on, overrides server.port")
	serve.Flags().StringVar(&cert, "cert", "", "path to tls certificate")
	serve.Flags().StringVar(&key, "key", "", "path to tls key")
	serve.Flags().StringVar(&instanceActor, "instance-actor", defaultInstanceActor, "local actor whose key signs outbound requests")
	serve.MarkFlagsRequiredTogether("cert", "key")

	return serve
}

func newKeysCommand(load func() *settings) *cobra.Command {
	var (
		nickname  string
		actorType string
	)
	keys := &cobra.Command{
		Use:   "keys",
		Short: "manage local actors and their key pairs",
	}
	gen := &cobra.Command{
		Use:   "gen",
		Short: "create a local actor together with its signing key pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s := load()
			if s.BaseURL == "" {
				return errors.New("an instance base url is required")
			}
			app, err := newApplication(ctx, s)
			if err != nil {
				return err
			}
			defer func() {
				if clErr := app.close(ctx); clErr != nil {
					log.Printf("ERROR:%v", clErr)
				}
			}()
			actor, err := app.db.CreateLocalActor(ctx, s.BaseURL, nickname, model.ActorType(actorType))
			if err != nil {
				return errors.Wrapf(err, "failed to create %v", nickname)
			}
			if _, err = app.keys.KeyPair(ctx, actor); err != nil {
				return errors.Wrapf(err, "failed to generate keys of %v", nickname)
			}
			cmd.Printf("%v %v\n", actor.URI, httpserver.KeyID(actor))

			return nil
		},
	}
	gen.Flags().StringVar(&nickname, "nickname", "", "nickname of the new local actor")
	gen.Flags().StringVar(&actorType, "type", string(model.ActorTypePerson), "activitystreams actor type")
	if err := gen.MarkFlagRequired("nickname"); err != nil {
		log.Fatal(err)
	}
	keys.AddCommand(gen)

	return keys
}

// withApplication runs fn against a freshly built application and closes it afterwards.
func withApplication(ctx context.Context, s *settings, fn func(app *application) error) error {
	app, err := newApplication(ctx, s)
	if err != nil {
		return err
	}
	defer func() {
		if clErr := app.close(ctx); clErr != nil {
			log.Printf("ERROR:%v", clErr)
		}
	}()

	return fn(app)
}

func newWebSubCommand(load func() *settings) *cobra.Command {
	var (
		topic string
		hub   string
	)
	group := &cobra.Command{
		Use:   "websub",
		Short: "manage subscriptions to remote feeds",
	}
	subscribe := &cobra.Command{
		Use:   "subscribe",
		Short: "ask a hub to push a topic to this instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApplication(cmd.Context(), load(), func(app *application) error {
				sub, err := app.websub.Subscribe(cmd.Context(), topic, hub)
				if err != nil {
					return errors.Wrapf(err, "failed to subscribe to %v", topic)
				}
				cmd.Printf("%v %v %v\n", sub.ID, sub.State, app.websub.CallbackURL(sub.ID))

				return nil
			})
		},
	}
	subscribe.Flags().StringVar(&topic, "topic", "", "feed to subscribe to")
	subscribe.Flags().StringVar(&hub, "hub", "", "hub that publishes the feed")
	unsubscribe := &cobra.Command{
		Use:   "unsubscribe",
		Short: "ask the hub to stop pushing a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApplication(cmd.Context(), load(), func(app *application) error {
				return errors.Wrapf(app.websub.Unsubscribe(cmd.Context(), topic), "failed to unsubscribe from %v", topic)
			})
		},
	}
	unsubscribe.Flags().StringVar(&topic, "topic", "", "feed to unsubscribe from")
	for _, required := range []struct {
		cmd  *cobra.Command
		flag string
	}{{subscribe, "topic"}, {subscribe, "hub"}, {unsubscribe, "topic"}} {
		if err := required.cmd.MarkFlagRequired(required.flag); err != nil {
			log.Fatal(err)
		}
	}
	group.AddCommand(subscribe, unsubscribe)

	return group
}

func newPostCommand(load func() *settings) *cobra.Command {
	var (
		nickname string
		file     string
		target   string
	)
	post := &cobra.Command{
		Use:   "post",
		Short: "sign an activity as a local actor and post it to that actor's outbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s := load()
			if s.BaseURL == "" {
				return errors.New("an instance base url is required")
			}
			body, err := readActivity(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			return withApplication(ctx, s, func(app *application) error {
				actor, err := app.db.LocalActorByNickname(ctx, nickname)
				if err != nil {
					return errors.Wrapf(err, "failed to load %v", nickname)
				}
				key, err := app.keys.KeyPair(ctx, actor)
				if err != nil {
					return err
				}
				if target == "" {
					target = s.BaseURL
				}
				endpoint := strings.TrimRight(target, "/") + strings.TrimPrefix(outbox.URI(actor), s.BaseURL)
				resp, err := resty.New().
					SetPreRequestHook(httpsig.NewSigner(httpserver.KeyID(actor), key).PreRequestHook).
					R().
					SetContext(ctx).
					SetHeader("Content-Type", model.ContentTypeActivityJSON).
					SetBody(body).
					Post(endpoint)
				if err != nil {
					return errors.Wrapf(err, "failed to post to %v", endpoint)
				}
				if resp.StatusCode() != http.StatusCreated {
					return errors.Newf("post to %v: status %v: %s", endpoint, resp.StatusCode(), resp.Body())
				}
				cmd.Println(resp.Header().Get("Location"))

				return nil
			})
		},
	}
	post.Flags().StringVar(&nickname, "nickname", "", "local actor to post as")
	post.Flags().StringVar(&file, "file", "-", "activity json to post, - for stdin")
	post.Flags().StringVar(&target, "server", "", "instance to post to, defaults to the base url")
	if err := post.MarkFlagRequired("nickname"); err != nil {
		log.Fatal(err)
	}

	return post
}

func readActivity(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		body, err := io.ReadAll(stdin)

		return body, errors.Wrap(err, "failed to read activity from stdin")
	}
	body, err := os.ReadFile(file)

	return body, errors.Wrapf(err, "failed to read activity from %v", file)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Panic(err)
	}
}
