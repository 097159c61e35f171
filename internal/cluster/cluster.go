/*
Copyright 2024 Domino Data Lab, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cluster manages the in-cluster Docker registry workload: toggling
// its manifest-delete support and reading platform secrets. A registry
// rejects DELETE requests unless REGISTRY_STORAGE_DELETE_ENABLED is set, so
// the deletion orchestrator enables it for the duration of a run and always
// reverts afterwards.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// deleteEnabledEnv is the distribution/registry switch for manifest deletes.
const deleteEnabledEnv = "REGISTRY_STORAGE_DELETE_ENABLED"

const pollInterval = 5 * time.Second

// Manager patches the registry workload and reads platform secrets.
type Manager struct {
	client    kubernetes.Interface
	namespace string
	workload  string

	readyTimeout time.Duration
}

// NewManager connects to the cluster, preferring in-cluster config and
// falling back to the local kubeconfig.
func NewManager(namespace, workload string, readyTimeout time.Duration) (*Manager, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(),
			&clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("loading cluster configuration: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building cluster client: %w", err)
	}
	return NewManagerWithClient(client, namespace, workload, readyTimeout), nil
}

// NewManagerWithClient wires a Manager to an existing clientset.
func NewManagerWithClient(client kubernetes.Interface, namespace, workload string, readyTimeout time.Duration) *Manager {
	return &Manager{
		client:       client,
		namespace:    namespace,
		workload:     workload,
		readyTimeout: readyTimeout,
	}
}

// SecretCredentials reads a platform secret and returns its username and
// password keys. Satisfies the registry client's secret-lookup callback.
func (m *Manager) SecretCredentials(ctx context.Context, name string) (string, string, error) {
	secret, err := m.client.CoreV1().Secrets(m.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", "", fmt.Errorf("reading secret %s/%s: %w", m.namespace, name, err)
	}
	return string(secret.Data["username"]), string(secret.Data["password"]), nil
}

// EnableDelete sets the delete-enabled switch on the registry workload and
// waits for a ready pod. Idempotent: a workload that already carries the
// switch is left alone.
func (m *Manager) EnableDelete(ctx context.Context) error {
	return m.setDeleteEnabled(ctx, true)
}

// DisableDelete removes the switch and waits for the rollout. Idempotent.
func (m *Manager) DisableDelete(ctx context.Context) error {
	return m.setDeleteEnabled(ctx, false)
}

func (m *Manager) setDeleteEnabled(ctx context.Context, enabled bool) error {
	sts, err := m.client.AppsV1().StatefulSets(m.namespace).Get(ctx, m.workload, metav1.GetOptions{})
	if err == nil {
		return m.patchStatefulSet(ctx, sts, enabled)
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("reading statefulset %s/%s: %w", m.namespace, m.workload, err)
	}

	dep, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, m.workload, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("reading registry workload %s/%s: %w", m.namespace, m.workload, err)
	}
	return m.patchDeployment(ctx, dep, enabled)
}

func (m *Manager) patchStatefulSet(ctx context.Context, sts *appsv1.StatefulSet, enabled bool) error {
	if !mutateEnv(&sts.Spec.Template.Spec, enabled) {
		logrus.Debugf("Registry statefulset %s already has %s=%v", sts.Name, deleteEnabledEnv, enabled)
		return nil
	}
	logrus.Infof("Setting %s=%v on statefulset %s/%s", deleteEnabledEnv, enabled, m.namespace, sts.Name)
	if _, err := m.client.AppsV1().StatefulSets(m.namespace).Update(ctx, sts, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("updating statefulset %s/%s: %w", m.namespace, sts.Name, err)
	}
	return m.waitForReadyPod(ctx, sts.Spec.Selector)
}

func (m *Manager) patchDeployment(ctx context.Context, dep *appsv1.Deployment, enabled bool) error {
	if !mutateEnv(&dep.Spec.Template.Spec, enabled) {
		logrus.Debugf("Registry deployment %s already has %s=%v", dep.Name, deleteEnabledEnv, enabled)
		return nil
	}
	logrus.Infof("Setting %s=%v on deployment %s/%s", deleteEnabledEnv, enabled, m.namespace, dep.Name)
	if _, err := m.client.AppsV1().Deployments(m.namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("updating deployment %s/%s: %w", m.namespace, dep.Name, err)
	}
	return m.waitForReadyPod(ctx, dep.Spec.Selector)
}

// mutateEnv sets or removes the delete switch on every container and reports
// whether anything changed.
func mutateEnv(spec *corev1.PodSpec, enabled bool) bool {
	changed := false
	for i := range spec.Containers {
		env := spec.Containers[i].Env
		idx := -1
		for j, v := range env {
			if v.Name == deleteEnabledEnv {
				idx = j
				break
			}
		}
		switch {
		case enabled && idx == -1:
			env = append(env, corev1.EnvVar{Name: deleteEnabledEnv, Value: "true"})
			changed = true
		case enabled && env[idx].Value != "true":
			env[idx].Value = "true"
			changed = true
		case !enabled && idx >= 0:
			env = append(env[:idx], env[idx+1:]...)
			changed = true
		}
		spec.Containers[i].Env = env
	}
	return changed
}

// waitForReadyPod blocks until a pod matching the workload selector reports
// Ready, or the timeout elapses.
func (m *Manager) waitForReadyPod(ctx context.Context, selector *metav1.LabelSelector) error {
	sel, err := metav1.LabelSelectorAsSelector(selector)
	if err != nil {
		return fmt.Errorf("parsing workload selector: %w", err)
	}

	logrus.Infof("Waiting up to %s for registry pod to become ready", m.readyTimeout)
	return wait.PollUntilContextTimeout(ctx, pollInterval, m.readyTimeout, true,
		func(ctx context.Context) (bool, error) {
			ready, err := m.anyPodReady(ctx, sel)
			if err != nil {
				logrus.Warnf("Polling registry pods: %v", err)
				return false, nil
			}
			return ready, nil
		})
}

func (m *Manager) anyPodReady(ctx context.Context, sel labels.Selector) (bool, error) {
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: sel.String(),
	})
	if err != nil {
		return false, err
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				return true, nil
			}
		}
	}
	return false, nil
}
